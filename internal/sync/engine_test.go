package sync

import (
	"context"
	"encoding/json"
	"errors"
	gosync "sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/pairbook/pairbook/internal/errors"
	"github.com/pairbook/pairbook/internal/ledger"
	"github.com/pairbook/pairbook/internal/logging"
	"github.com/pairbook/pairbook/internal/remote"
)

const (
	pairID    = "pair-0001-aaaa"
	altPairID = "pair-0002-bbbb"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// --- fakes ---

type fakeLocalStore struct {
	mu      gosync.Mutex
	initial ledger.Ledger
	loadErr error
	saved   []ledger.Ledger
}

func newFakeLocalStore() *fakeLocalStore {
	return &fakeLocalStore{initial: ledger.Default()}
}

func (s *fakeLocalStore) LoadLedger() (ledger.Ledger, error) {
	return s.initial.Clone(), s.loadErr
}

func (s *fakeLocalStore) SaveLedger(l ledger.Ledger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.saved = append(s.saved, l.Clone())

	return nil
}

func (s *fakeLocalStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.saved)
}

func (s *fakeLocalStore) lastSaved() ledger.Ledger {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.saved[len(s.saved)-1]
}

type upsertCall struct {
	pairingID string
	data      ledger.Ledger
}

type fakeRemoteStore struct {
	mu        gosync.Mutex
	rows      map[string]ledger.Ledger
	fetchErr  error
	upsertErr error
	upserts   []upsertCall
}

func newFakeRemoteStore() *fakeRemoteStore {
	return &fakeRemoteStore{rows: map[string]ledger.Ledger{}}
}

func (r *fakeRemoteStore) FetchLedger(_ context.Context, pairingID string) (ledger.Ledger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fetchErr != nil {
		return ledger.Default(), r.fetchErr
	}

	row, ok := r.rows[pairingID]
	if !ok {
		return ledger.Default(), apperrors.ErrLedgerNotFound
	}

	return row.Clone(), nil
}

func (r *fakeRemoteStore) UpsertLedger(_ context.Context, pairingID string, l ledger.Ledger) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.upsertErr != nil {
		return r.upsertErr
	}

	r.upserts = append(r.upserts, upsertCall{pairingID: pairingID, data: l.Clone()})
	r.rows[pairingID] = l.Clone()

	return nil
}

func (r *fakeRemoteStore) upsertCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.upserts)
}

func (r *fakeRemoteStore) lastUpsert() upsertCall {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.upserts[len(r.upserts)-1]
}

type fakeSubscriber struct {
	mu      gosync.Mutex
	handler remote.EventHandler
	topics  []string
	cancels int
	err     error
}

func (s *fakeSubscriber) Subscribe(_ context.Context, pairingID string, fn remote.EventHandler) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}

	s.topics = append(s.topics, pairingID)
	s.handler = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.cancels++
	}, nil
}

func (s *fakeSubscriber) subscribedTopics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.topics...)
}

func (s *fakeSubscriber) cancelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cancels
}

func (s *fakeSubscriber) emit(t *testing.T, ev remote.Event) {
	t.Helper()

	s.mu.Lock()
	fn := s.handler
	s.mu.Unlock()

	require.NotNil(t, fn, "no active subscription to emit on")
	fn(ev)
}

func (s *fakeSubscriber) emitLedger(t *testing.T, pairingID string, l ledger.Ledger) {
	t.Helper()

	record, err := json.Marshal(remote.LedgerRow{ID: pairingID, Data: l})
	require.NoError(t, err)

	s.emit(t, remote.Event{Table: "ledgers", Type: "UPDATE", Record: record})
}

// --- harness ---

func newTestEngine(t *testing.T, local *fakeLocalStore, rem *fakeRemoteStore, sub *fakeSubscriber, initialPairingID string) (*Engine, *fakeClock) {
	t.Helper()

	e := NewEngine(logging.NewLogger("test"), local, rem, sub, 800*time.Millisecond, initialPairingID)

	clock := &fakeClock{}
	e.scheduler.newTimer = clock.newTimer

	return e, clock
}

// runEngine starts the loop and blocks until startup has completed.
func runEngine(t *testing.T, e *Engine) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("engine did not stop")
		}
	})

	_, err := e.Snapshot(context.Background())
	require.NoError(t, err)
}

func expenseIDs(l ledger.Ledger) []int64 {
	ids := make([]int64, 0, len(l.Expenses))
	for _, exp := range l.Expenses {
		ids = append(ids, exp.ID)
	}

	return ids
}

func addExpense(id int64, amount string) func(*ledger.Ledger) {
	return func(l *ledger.Ledger) {
		l.Expenses = append(l.Expenses, ledger.Expense{
			ID:     id,
			Amount: dec(amount),
			PaidBy: ledger.PartyA,
		})
	}
}

// --- tests ---

func TestEngine_UnpairedRunsLocalOnly(t *testing.T) {
	local, rem, sub := newFakeLocalStore(), newFakeRemoteStore(), &fakeSubscriber{}

	e, clock := newTestEngine(t, local, rem, sub, "")
	runEngine(t, e)

	ctx := context.Background()
	require.NoError(t, e.Update(ctx, addExpense(1, "3.50")))

	snap, err := e.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, expenseIDs(snap))

	assert.GreaterOrEqual(t, local.saveCount(), 1, "local edits persist even unpaired")
	assert.Zero(t, rem.upsertCount())
	assert.Empty(t, sub.subscribedTopics())
	assert.Zero(t, clock.count(), "unpaired edits must not arm the write scheduler")
}

func TestEngine_FirstDevicePublishesSnapshot(t *testing.T) {
	local, rem, sub := newFakeLocalStore(), newFakeRemoteStore(), &fakeSubscriber{}
	local.initial.Expenses = []ledger.Expense{{ID: 1, Amount: dec("12.00")}}

	e, _ := newTestEngine(t, local, rem, sub, pairID)
	runEngine(t, e)

	require.Equal(t, 1, rem.upsertCount())
	up := rem.lastUpsert()
	assert.Equal(t, pairID, up.pairingID)
	assert.Equal(t, []int64{1}, expenseIDs(up.data))

	assert.Equal(t, []string{pairID}, sub.subscribedTopics())

	snap, err := e.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pairID, snap.Settings.PairingID)
}

func TestEngine_StartupMergesRemoteRow(t *testing.T) {
	local, rem, sub := newFakeLocalStore(), newFakeRemoteStore(), &fakeSubscriber{}

	local.initial.Settings.PairingID = pairID
	local.initial.Expenses = []ledger.Expense{{ID: 1, Amount: dec("5.00")}}

	remoteRow := ledger.Default()
	remoteRow.Expenses = []ledger.Expense{{ID: 2, Amount: dec("9.99")}}
	remoteRow.Settings.Currency = "EUR"
	rem.rows[pairID] = remoteRow

	e, _ := newTestEngine(t, local, rem, sub, "")
	runEngine(t, e)

	snap, err := e.Snapshot(context.Background())
	require.NoError(t, err)

	assert.ElementsMatch(t, []int64{1, 2}, expenseIDs(snap))
	assert.Equal(t, "EUR", snap.Settings.Currency)
	assert.Equal(t, pairID, snap.Settings.PairingID, "pairing id survives settings merge")

	assert.Zero(t, rem.upsertCount(), "merging a remote row must not push")
	assert.ElementsMatch(t, []int64{1, 2}, expenseIDs(local.lastSaved()))
}

func TestEngine_StartupRemoteFailureDegradesToLocal(t *testing.T) {
	local, rem, sub := newFakeLocalStore(), newFakeRemoteStore(), &fakeSubscriber{}
	local.initial.Settings.PairingID = pairID
	rem.fetchErr = &remote.TransientError{Err: errors.New("endpoint down")}

	e, _ := newTestEngine(t, local, rem, sub, "")
	runEngine(t, e)

	snap, err := e.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pairID, snap.Settings.PairingID)

	// Still subscribes: realtime will deliver state once the remote recovers.
	assert.Equal(t, []string{pairID}, sub.subscribedTopics())
}

func TestEngine_DebouncedPushCarriesLatestState(t *testing.T) {
	local, rem, sub := newFakeLocalStore(), newFakeRemoteStore(), &fakeSubscriber{}
	rem.rows[pairID] = ledger.Default()

	e, clock := newTestEngine(t, local, rem, sub, pairID)
	runEngine(t, e)

	ctx := context.Background()
	require.NoError(t, e.Update(ctx, addExpense(1, "1.00")))
	require.NoError(t, e.Update(ctx, addExpense(2, "2.00")))
	require.NoError(t, e.Update(ctx, addExpense(3, "3.00")))

	assert.Equal(t, 3, clock.count(), "each edit restarts the quiet window")
	assert.Zero(t, rem.upsertCount(), "no push before the window elapses")

	clock.elapse(t)

	require.Eventually(t, func() bool {
		return rem.upsertCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	up := rem.lastUpsert()
	assert.Equal(t, pairID, up.pairingID)
	assert.Equal(t, []int64{1, 2, 3}, expenseIDs(up.data), "fire pushes state as of fire time")
}

func TestEngine_RemoteEchoGoesQuiet(t *testing.T) {
	local, rem, sub := newFakeLocalStore(), newFakeRemoteStore(), &fakeSubscriber{}
	rem.rows[pairID] = ledger.Default()

	e, clock := newTestEngine(t, local, rem, sub, pairID)
	runEngine(t, e)

	ctx := context.Background()
	snap, err := e.Snapshot(ctx)
	require.NoError(t, err)

	savesBefore := local.saveCount()

	// The realtime channel replays the device's own upsert.
	sub.emitLedger(t, pairID, snap)

	require.Eventually(t, func() bool {
		return local.saveCount() > savesBefore
	}, 2*time.Second, 10*time.Millisecond)

	assert.Zero(t, rem.upsertCount(), "an echoed write must not trigger another write")
	assert.Zero(t, clock.count(), "remote-origin changes never arm the scheduler")

	after, err := e.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, expenseIDs(snap), expenseIDs(after))
}

func TestEngine_RemoteEventMergesWithPendingLocalEdit(t *testing.T) {
	local, rem, sub := newFakeLocalStore(), newFakeRemoteStore(), &fakeSubscriber{}
	rem.rows[pairID] = ledger.Default()

	e, clock := newTestEngine(t, local, rem, sub, pairID)
	runEngine(t, e)

	ctx := context.Background()
	require.NoError(t, e.Update(ctx, addExpense(101, "10.00")))

	peerRow := ledger.Default()
	peerRow.Expenses = []ledger.Expense{{ID: 202, Amount: dec("20.00")}}
	sub.emitLedger(t, pairID, peerRow)

	require.Eventually(t, func() bool {
		snap, err := e.Snapshot(ctx)
		return err == nil && len(snap.Expenses) == 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.Zero(t, rem.upsertCount())

	// The pending window from the local edit still fires, now carrying both.
	clock.elapse(t)

	require.Eventually(t, func() bool {
		return rem.upsertCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []int64{101, 202}, expenseIDs(rem.lastUpsert().data))
}

func TestEngine_ForwardsMessageEvents(t *testing.T) {
	local, rem, sub := newFakeLocalStore(), newFakeRemoteStore(), &fakeSubscriber{}
	rem.rows[pairID] = ledger.Default()

	e, _ := newTestEngine(t, local, rem, sub, pairID)

	messages := make(chan remote.MessageRow, 1)
	e.SetMessageHandler(func(row remote.MessageRow) {
		messages <- row
	})

	runEngine(t, e)

	record, err := json.Marshal(remote.MessageRow{ID: "m1", SyncID: pairID, Sender: ledger.PartyB, Content: "aXY=:Y3Q="})
	require.NoError(t, err)
	sub.emit(t, remote.Event{Table: "messages", Type: "INSERT", Record: record})

	select {
	case row := <-messages:
		assert.Equal(t, "m1", row.ID)
		assert.Equal(t, ledger.PartyB, row.Sender)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message row")
	}
}

func TestEngine_SetPairingIDRebindsSession(t *testing.T) {
	local, rem, sub := newFakeLocalStore(), newFakeRemoteStore(), &fakeSubscriber{}
	rem.rows[pairID] = ledger.Default()

	e, clock := newTestEngine(t, local, rem, sub, pairID)
	runEngine(t, e)

	ctx := context.Background()
	require.NoError(t, e.Update(ctx, addExpense(1, "7.00")))
	require.Equal(t, 1, clock.count())

	require.NoError(t, e.SetPairingID(ctx, altPairID))

	assert.True(t, clock.timer(0).isStopped(), "the pending write belonged to the old session")
	assert.Equal(t, 1, sub.cancelCount(), "old realtime channel must be released")
	assert.Equal(t, []string{pairID, altPairID}, sub.subscribedTopics())

	snap, err := e.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, altPairID, snap.Settings.PairingID)

	// No row exists under the new id, so the device bootstraps it.
	require.Equal(t, 1, rem.upsertCount())
	up := rem.lastUpsert()
	assert.Equal(t, altPairID, up.pairingID)
	assert.Equal(t, []int64{1}, expenseIDs(up.data))
}

func TestEngine_SetPairingIDSameIDIsNoop(t *testing.T) {
	local, rem, sub := newFakeLocalStore(), newFakeRemoteStore(), &fakeSubscriber{}
	rem.rows[pairID] = ledger.Default()

	e, _ := newTestEngine(t, local, rem, sub, pairID)
	runEngine(t, e)

	require.NoError(t, e.SetPairingID(context.Background(), pairID))

	assert.Zero(t, sub.cancelCount())
	assert.Equal(t, []string{pairID}, sub.subscribedTopics())
}

func TestEngine_SetPairingIDRejectsShortID(t *testing.T) {
	local, rem, sub := newFakeLocalStore(), newFakeRemoteStore(), &fakeSubscriber{}

	e, _ := newTestEngine(t, local, rem, sub, "")
	runEngine(t, e)

	err := e.SetPairingID(context.Background(), "short")
	assert.ErrorIs(t, err, apperrors.ErrInvalidPairingID)
}

func TestEngine_ForceSyncUnpaired(t *testing.T) {
	local, rem, sub := newFakeLocalStore(), newFakeRemoteStore(), &fakeSubscriber{}

	e, _ := newTestEngine(t, local, rem, sub, "")
	runEngine(t, e)

	err := e.ForceSync(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrNotPaired)
}

func TestEngine_ForceSyncPushesImmediately(t *testing.T) {
	local, rem, sub := newFakeLocalStore(), newFakeRemoteStore(), &fakeSubscriber{}
	rem.rows[pairID] = ledger.Default()

	e, clock := newTestEngine(t, local, rem, sub, pairID)
	runEngine(t, e)

	ctx := context.Background()
	require.NoError(t, e.Update(ctx, addExpense(1, "4.00")))
	require.NoError(t, e.ForceSync(ctx))

	assert.Equal(t, 1, rem.upsertCount())
	assert.Equal(t, []int64{1}, expenseIDs(rem.lastUpsert().data))
	assert.True(t, clock.timer(0).isStopped(), "force sync subsumes the pending window")
	assert.False(t, e.scheduler.Pending())
}

func TestEngine_ForceSyncSurfacesPushError(t *testing.T) {
	local, rem, sub := newFakeLocalStore(), newFakeRemoteStore(), &fakeSubscriber{}
	rem.rows[pairID] = ledger.Default()

	e, _ := newTestEngine(t, local, rem, sub, pairID)
	runEngine(t, e)

	rem.mu.Lock()
	rem.upsertErr = assert.AnError
	rem.mu.Unlock()

	err := e.ForceSync(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
}

func TestOrigin_String(t *testing.T) {
	assert.Equal(t, "local", OriginLocal.String())
	assert.Equal(t, "remote", OriginRemote.String())
}

func TestEngine_StoppedEngineFailsFast(t *testing.T) {
	local, rem, sub := newFakeLocalStore(), newFakeRemoteStore(), &fakeSubscriber{}

	e, _ := newTestEngine(t, local, rem, sub, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()

	_, err := e.Snapshot(context.Background())
	require.NoError(t, err)

	cancel()
	<-done

	err = e.Update(context.Background(), addExpense(1, "1.00"))
	assert.ErrorIs(t, err, apperrors.ErrEngineStopped)
}
