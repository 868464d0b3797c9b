// Package inbox applies mutations dropped as JSON files into a spool
// directory. The UI layer writes a file per action; the watcher picks it
// up, applies it through the engine, and removes it. Files that cannot
// be parsed or applied are renamed with a .rejected suffix so nothing is
// silently lost and nothing is retried forever.
package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pairbook/pairbook/internal/ledger"
)

// settleDelay is how long a file must sit quiet before being processed,
// so a writer that creates and then fills the file is not read half-way.
const settleDelay = 200 * time.Millisecond

// rejectedSuffix marks files the watcher gave up on.
const rejectedSuffix = ".rejected"

// Engine is the mutation surface the inbox drives. *sync.Engine wrapped
// for pairing fan-out satisfies this interface.
type Engine interface {
	Update(ctx context.Context, fn func(*ledger.Ledger)) error
	SetPairingID(ctx context.Context, pairingID string) error
}

// mutationDoc is one spool file. Op selects the operation; exactly the
// fields that operation needs are set.
type mutationDoc struct {
	Op          string              `json:"op"`
	Expense     *ledger.Expense     `json:"expense,omitempty"`
	ExpenseID   *int64              `json:"expense_id,omitempty"`
	Goal        *ledger.SavingsGoal `json:"goal,omitempty"`
	Investments *ledger.Investments `json:"investments,omitempty"`
	PairingID   string              `json:"pairing_id,omitempty"`
}

// Watcher tails the spool directory.
type Watcher struct {
	logger *slog.Logger
	dir    string
	engine Engine

	// settle is overridden in tests to keep them fast.
	settle time.Duration
}

// NewWatcher creates a watcher over dir. The directory is created if
// absent.
func NewWatcher(logger *slog.Logger, dir string, engine Engine) *Watcher {
	return &Watcher{
		logger: logger,
		dir:    dir,
		engine: engine,
		settle: settleDelay,
	}
}

// Run watches the spool directory until ctx is cancelled. Files already
// present at startup are processed first, so mutations written while the
// daemon was down are not stranded.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("creating inbox directory: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating inbox watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watching inbox directory: %w", err)
	}

	w.logger.Info("inbox watcher started", slog.String("dir", w.dir))

	w.processExisting(ctx)

	// pending holds paths seen but not yet settled. One timer covers the
	// whole batch; every new event pushes the deadline out.
	pending := map[string]struct{}{}

	timer := time.NewTimer(w.settle)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}

			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}

			if !isSpoolFile(ev.Name) {
				continue
			}

			pending[ev.Name] = struct{}{}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.settle)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}

			w.logger.Warn("inbox watch error", slog.String("error", err.Error()))

		case <-timer.C:
			for path := range pending {
				w.processFile(ctx, path)
			}

			clear(pending)
		}
	}
}

// processExisting handles files already in the spool at startup.
func (w *Watcher) processExisting(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("reading inbox directory", slog.String("error", err.Error()))
		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := filepath.Join(w.dir, entry.Name())
		if isSpoolFile(path) {
			w.processFile(ctx, path)
		}
	}
}

func (w *Watcher) processFile(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return // already consumed
		}

		w.logger.Warn("reading inbox file", slog.String("path", path), slog.String("error", err.Error()))

		return
	}

	var doc mutationDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		w.reject(path, fmt.Errorf("parsing mutation: %w", err))
		return
	}

	if err := w.apply(ctx, doc); err != nil {
		w.reject(path, err)
		return
	}

	if err := os.Remove(path); err != nil {
		w.logger.Warn("removing consumed inbox file", slog.String("path", path), slog.String("error", err.Error()))
	}

	w.logger.Debug("inbox mutation applied", slog.String("op", doc.Op), slog.String("path", path))
}

// apply executes one mutation through the engine.
func (w *Watcher) apply(ctx context.Context, doc mutationDoc) error {
	switch doc.Op {
	case "add_expense":
		if doc.Expense == nil {
			return fmt.Errorf("add_expense without expense")
		}

		expense := *doc.Expense

		return w.engine.Update(ctx, func(l *ledger.Ledger) {
			l.Expenses = append(l.Expenses, expense)
		})

	case "update_expense":
		if doc.Expense == nil {
			return fmt.Errorf("update_expense without expense")
		}

		expense := *doc.Expense

		return w.engine.Update(ctx, func(l *ledger.Ledger) {
			for i := range l.Expenses {
				if l.Expenses[i].ID == expense.ID {
					l.Expenses[i] = expense
					return
				}
			}

			l.Expenses = append(l.Expenses, expense)
		})

	case "delete_expense":
		if doc.ExpenseID == nil {
			return fmt.Errorf("delete_expense without expense_id")
		}

		id := *doc.ExpenseID

		return w.engine.Update(ctx, func(l *ledger.Ledger) {
			for i := range l.Expenses {
				if l.Expenses[i].ID == id {
					l.Expenses = append(l.Expenses[:i], l.Expenses[i+1:]...)
					return
				}
			}
		})

	case "set_goal":
		if doc.Goal == nil {
			return fmt.Errorf("set_goal without goal")
		}

		goal := *doc.Goal

		return w.engine.Update(ctx, func(l *ledger.Ledger) {
			for i := range l.SavingsGoals {
				if l.SavingsGoals[i].ID == goal.ID {
					l.SavingsGoals[i] = goal
					return
				}
			}

			l.SavingsGoals = append(l.SavingsGoals, goal)
		})

	case "set_investments":
		if doc.Investments == nil {
			return fmt.Errorf("set_investments without investments")
		}

		inv := *doc.Investments

		return w.engine.Update(ctx, func(l *ledger.Ledger) {
			l.Investments = inv
		})

	case "set_pairing":
		if doc.PairingID == "" {
			return fmt.Errorf("set_pairing without pairing_id")
		}

		return w.engine.SetPairingID(ctx, doc.PairingID)

	default:
		return fmt.Errorf("unknown mutation op %q", doc.Op)
	}
}

// reject renames a bad file aside and logs why.
func (w *Watcher) reject(path string, cause error) {
	w.logger.Warn("rejecting inbox file",
		slog.String("path", path),
		slog.String("error", cause.Error()),
	)

	if err := os.Rename(path, path+rejectedSuffix); err != nil {
		w.logger.Warn("renaming rejected inbox file", slog.String("path", path), slog.String("error", err.Error()))
	}
}

// isSpoolFile accepts *.json files that are not already rejected.
func isSpoolFile(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return false
	}

	return strings.HasSuffix(name, ".json") && !strings.HasSuffix(name, rejectedSuffix)
}
