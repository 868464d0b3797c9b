package sync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	apperrors "github.com/pairbook/pairbook/internal/errors"
	"github.com/pairbook/pairbook/internal/ledger"
	"github.com/pairbook/pairbook/internal/remote"
)

// MinPairingIDLen is the minimum accepted length for a pairing id set at
// runtime. Matches the startup validation in the config package.
const MinPairingIDLen = 8

// remoteEventBuffer absorbs bursts of realtime events between the
// subscriber's read loop and the engine loop.
const remoteEventBuffer = 64

// Origin tags where a ledger change came from. Every mutation threads
// one through apply, which keys its outbound side effect on it.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginRemote {
		return "remote"
	}

	return "local"
}

// LocalStore persists the ledger snapshot on device. *store.Store
// satisfies this interface.
type LocalStore interface {
	SaveLedger(l ledger.Ledger) error
	LoadLedger() (ledger.Ledger, error)
}

// RemoteStore reads and writes the shared ledger row. *remote.Client
// satisfies this interface.
type RemoteStore interface {
	FetchLedger(ctx context.Context, pairingID string) (ledger.Ledger, error)
	UpsertLedger(ctx context.Context, pairingID string, l ledger.Ledger) error
}

// RealtimeSubscriber delivers remote row changes. *remote.Subscriber
// satisfies this interface.
type RealtimeSubscriber interface {
	Subscribe(ctx context.Context, pairingID string, fn remote.EventHandler) (func(), error)
}

// MessageHandler receives chat rows pushed over the realtime channel.
type MessageHandler func(remote.MessageRow)

// Engine is the synchronization orchestrator. A single event-loop
// goroutine owns the in-memory ledger; every mutation path (local edits,
// remote events, debounce fires, pairing changes) serialises through it,
// so the ledger needs no locks and writes cannot interleave.
type Engine struct {
	logger     *slog.Logger
	store      LocalStore
	remote     RemoteStore
	subscriber RealtimeSubscriber
	scheduler  *DebounceScheduler

	// initialPairingID seeds an unpaired local snapshot on first run.
	initialPairingID string

	onMessage MessageHandler

	ops    chan op
	events chan remote.Event
	flush  chan struct{}

	// stopped is closed when Run returns so blocked callers fail fast
	// instead of hanging on a dead loop.
	stopped chan struct{}

	// Loop-owned state. Touched only from Run.
	current     ledger.Ledger
	unsubscribe func()
}

type op struct {
	fn  func(ctx context.Context) error
	err chan error
}

// NewEngine creates the orchestrator. initialPairingID may be empty; an
// unpaired engine runs local-only until a pairing id is set.
func NewEngine(
	logger *slog.Logger,
	localStore LocalStore,
	remoteStore RemoteStore,
	subscriber RealtimeSubscriber,
	debounceInterval time.Duration,
	initialPairingID string,
) *Engine {
	e := &Engine{
		logger:           logger,
		store:            localStore,
		remote:           remoteStore,
		subscriber:       subscriber,
		initialPairingID: initialPairingID,
		ops:              make(chan op),
		events:           make(chan remote.Event, remoteEventBuffer),
		flush:            make(chan struct{}, 1),
		stopped:          make(chan struct{}),
	}
	e.scheduler = NewDebounceScheduler(debounceInterval, e.signalFlush)

	return e
}

// SetMessageHandler registers the consumer for realtime chat rows. Must
// be called before Run.
func (e *Engine) SetMessageHandler(fn MessageHandler) {
	e.onMessage = fn
}

// Run executes the event loop until ctx is cancelled. It must be running
// for Update, Snapshot, SetPairingID and ForceSync to make progress.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.stopped)
	defer e.dropSubscription()

	e.startup(ctx)

	for {
		select {
		case <-ctx.Done():
			e.scheduler.Cancel()
			return nil

		case o := <-e.ops:
			o.err <- o.fn(ctx)

		case ev := <-e.events:
			e.handleRemoteEvent(ev)

		case <-e.flush:
			if err := e.push(ctx); err != nil {
				e.logPushFailure(err)
			}
		}
	}
}

// startup loads the local snapshot and, when paired, reconciles with the
// remote row and opens the realtime channel. Remote failures degrade to
// local-only operation rather than aborting.
func (e *Engine) startup(ctx context.Context) {
	l, err := e.store.LoadLedger()
	if err != nil {
		e.logger.Warn("local snapshot unreadable, starting from defaults", slog.String("error", err.Error()))
	}

	e.current = l

	if e.initialPairingID != "" && e.current.Settings.PairingID == "" {
		e.current.Settings.PairingID = e.initialPairingID
		e.persist()
	}

	pairingID := e.current.Settings.PairingID
	if pairingID == "" {
		e.logger.Info("no pairing configured, running local-only")
		return
	}

	e.reconcile(ctx, pairingID)
	e.subscribe(ctx, pairingID)
}

// reconcile converges the local snapshot with the remote row for a
// pairing id. A missing row means this device is first into the session
// and publishes its snapshot; a present row is merged in as a
// remote-origin change.
func (e *Engine) reconcile(ctx context.Context, pairingID string) {
	remoteLedger, err := e.remote.FetchLedger(ctx, pairingID)

	switch {
	case errors.Is(err, apperrors.ErrLedgerNotFound):
		e.logger.Info("no remote ledger yet, publishing local snapshot", slog.String("pairing_id", pairingID))

		if err := e.remote.UpsertLedger(ctx, pairingID, e.current); err != nil {
			e.logPushFailure(err)
		}

	case err != nil:
		e.logger.Warn("remote fetch failed, continuing with local snapshot",
			slog.String("pairing_id", pairingID),
			slog.String("error", err.Error()),
		)

	default:
		e.apply(OriginRemote, func(l *ledger.Ledger) {
			*l = ledger.Merge(*l, remoteLedger)
		})
	}
}

func (e *Engine) subscribe(ctx context.Context, pairingID string) {
	unsub, err := e.subscriber.Subscribe(ctx, pairingID, e.enqueueEvent)
	if err != nil {
		e.logger.Warn("realtime subscription failed, remote changes arrive on next reconcile",
			slog.String("pairing_id", pairingID),
			slog.String("error", err.Error()),
		)

		return
	}

	e.unsubscribe = unsub
}

func (e *Engine) dropSubscription() {
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
}

// enqueueEvent hands a realtime event to the loop. Called from the
// subscriber's read goroutine.
func (e *Engine) enqueueEvent(ev remote.Event) {
	select {
	case e.events <- ev:
	case <-e.stopped:
	}
}

// signalFlush is the debounce fire callback. Non-blocking: a flush
// already queued covers this fire too.
func (e *Engine) signalFlush() {
	select {
	case e.flush <- struct{}{}:
	default:
	}
}

// Update applies a local mutation. fn runs inside the loop against the
// live ledger; it must not retain the pointer after returning, and
// pairing changes go through SetPairingID, not here. The mutation is
// persisted locally at once and pushed remotely after the quiet window.
func (e *Engine) Update(ctx context.Context, fn func(*ledger.Ledger)) error {
	return e.do(ctx, func(context.Context) error {
		e.apply(OriginLocal, fn)
		return nil
	})
}

// Snapshot returns a deep copy of the current ledger.
func (e *Engine) Snapshot(ctx context.Context) (ledger.Ledger, error) {
	var snap ledger.Ledger

	err := e.do(ctx, func(context.Context) error {
		snap = e.current.Clone()
		return nil
	})

	return snap, err
}

// SetPairingID switches the session anchor: the pending debounced write
// is cancelled (it belongs to the old session), the realtime channel is
// rebound, and the ledger reconciles against the new session's row.
func (e *Engine) SetPairingID(ctx context.Context, pairingID string) error {
	if len(pairingID) < MinPairingIDLen {
		return apperrors.ErrInvalidPairingID
	}

	return e.do(ctx, func(ctx context.Context) error {
		if pairingID == e.current.Settings.PairingID {
			return nil
		}

		e.scheduler.Cancel()
		e.dropSubscription()

		e.current.Settings.PairingID = pairingID
		e.persist()

		e.reconcile(ctx, pairingID)
		e.subscribe(ctx, pairingID)

		e.logger.Info("pairing changed", slog.String("pairing_id", pairingID))

		return nil
	})
}

// ForceSync pushes the current ledger immediately, bypassing the quiet
// window. Any pending debounced write is subsumed.
func (e *Engine) ForceSync(ctx context.Context) error {
	return e.do(ctx, func(ctx context.Context) error {
		if e.current.Settings.PairingID == "" {
			return apperrors.ErrNotPaired
		}

		e.scheduler.Cancel()

		return e.push(ctx)
	})
}

// do runs fn inside the event loop and returns its error.
func (e *Engine) do(ctx context.Context, fn func(context.Context) error) error {
	o := op{fn: fn, err: make(chan error, 1)}

	select {
	case e.ops <- o:
	case <-e.stopped:
		return apperrors.ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-o.err:
		return err
	case <-e.stopped:
		return apperrors.ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleRemoteEvent merges a remote row change into local state. Remote
// origin: the result is persisted but never scheduled for push, so a
// device receiving its own echoed write goes quiet instead of looping.
func (e *Engine) handleRemoteEvent(ev remote.Event) {
	switch ev.Table {
	case "ledgers":
		var row remote.LedgerRow
		if err := json.Unmarshal(ev.Record, &row); err != nil {
			e.logger.Warn("undecodable ledger event", slog.String("error", err.Error()))
			return
		}

		if row.ID != e.current.Settings.PairingID {
			e.logger.Debug("ignoring event for other session", slog.String("row_id", row.ID))
			return
		}

		row.Data.Backfill()
		e.apply(OriginRemote, func(l *ledger.Ledger) {
			*l = ledger.Merge(*l, row.Data)
		})

	case "messages":
		var row remote.MessageRow
		if err := json.Unmarshal(ev.Record, &row); err != nil {
			e.logger.Warn("undecodable message event", slog.String("error", err.Error()))
			return
		}

		if e.onMessage != nil {
			e.onMessage(row)
		}

	default:
		e.logger.Debug("event for unknown table", slog.String("table", ev.Table))
	}
}

// apply is the single mutation step every ledger change goes through.
// The origin tag decides the outbound side effect: local changes arm
// the write scheduler, remote changes never do, which is what breaks
// the device-to-device echo loop.
func (e *Engine) apply(origin Origin, mutate func(*ledger.Ledger)) {
	mutate(&e.current)
	e.current.Backfill()
	e.persist()

	if origin == OriginLocal && e.current.Settings.PairingID != "" {
		e.scheduler.Schedule()
	}

	e.logger.Debug("ledger change applied", slog.String("origin", origin.String()))
}

// push writes the current ledger to the remote row. Reads state at call
// time, so a debounce fire always pushes the latest mutation of its
// window.
func (e *Engine) push(ctx context.Context) error {
	pairingID := e.current.Settings.PairingID
	if pairingID == "" {
		return nil
	}

	if err := e.remote.UpsertLedger(ctx, pairingID, e.current); err != nil {
		return err
	}

	e.logger.Debug("ledger pushed", slog.String("pairing_id", pairingID))

	return nil
}

// persist saves the snapshot locally. Failures are logged and absorbed;
// the in-memory session continues and the next save retries implicitly.
func (e *Engine) persist() {
	if err := e.store.SaveLedger(e.current); err != nil {
		e.logger.Error("local save failed", slog.String("error", err.Error()))
	}
}

// logPushFailure distinguishes retryable network trouble from permanent
// rejections. Either way the local snapshot stays authoritative and a
// later push carries the state forward.
func (e *Engine) logPushFailure(err error) {
	if remote.IsTransient(err) {
		e.logger.Warn("remote push failed, will retry on next change", slog.String("error", err.Error()))
		return
	}

	e.logger.Error("remote push rejected", slog.String("error", err.Error()))
}
