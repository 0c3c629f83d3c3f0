package txn_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	txnlog "github.com/microsoft/service-fabric-sub010"
	"github.com/microsoft/service-fabric-sub010/logrecord"
	"github.com/microsoft/service-fabric-sub010/txn"
	"github.com/stretchr/testify/require"
)

type call struct {
	Kind     string
	TxID     int64
	Op       txn.Operation
	RedoOnly bool
	Commit   bool
}

// fakeManager records hand-offs and fails them with queued errors.
type fakeManager struct {
	mu    sync.Mutex
	role  txnlog.ReplicaRole
	calls []call
	errs  []error
}

func newFakeManager(role txnlog.ReplicaRole) *fakeManager { return &fakeManager{role: role} }

func (m *fakeManager) Role() txnlog.ReplicaRole {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

func (m *fakeManager) setRole(r txnlog.ReplicaRole) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.role = r
}

func (m *fakeManager) record(c call) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return err
		}
	}
	m.calls = append(m.calls, c)
	return nil
}

func (m *fakeManager) BeginTransaction(_ context.Context, id int64, op txn.Operation) error {
	return m.record(call{Kind: "begin", TxID: id, Op: op})
}

func (m *fakeManager) AddOperation(_ context.Context, id int64, op txn.Operation) error {
	return m.record(call{Kind: "op", TxID: id, Op: op})
}

func (m *fakeManager) AddSingleOperation(_ context.Context, id int64, op txn.Operation, redoOnly bool) error {
	return m.record(call{Kind: "single", TxID: id, Op: op, RedoOnly: redoOnly})
}

func (m *fakeManager) EndTransaction(_ context.Context, id int64, commit bool) error {
	return m.record(call{Kind: "end", TxID: id, Commit: commit})
}

func (m *fakeManager) kinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, c := range m.calls {
		out = append(out, c.Kind)
	}
	return out
}

var (
	transient = &txnlog.Error{Code: txnlog.ETransient, Msg: "queue full"}
	fatal     = &txnlog.Error{Code: txnlog.EFaulted, Msg: "log faulted"}
)

func data(s string) logrecord.OperationData { return logrecord.OperationData{[]byte(s)} }

func TestIDGenerator(t *testing.T) {
	ids := txn.NewIDGenerator(0)
	require.Equal(t, int64(1), ids.Next())
	require.Equal(t, int64(-2), ids.NextReplay())
	ids.Observe(-10)
	require.Equal(t, int64(11), ids.Next())
	ids.Observe(5)
	require.Equal(t, int64(12), ids.Next())
}

func TestNamedMetadata(t *testing.T) {
	md := txn.NamedMetadata(42, data("md"))
	require.Len(t, md, 2)

	id, rest, err := txn.SplitNamedMetadata(md)
	require.NoError(t, err)
	require.Equal(t, int64(42), id)
	require.Equal(t, data("md"), rest)

	id, rest, err = txn.SplitNamedMetadata(txn.NamedMetadata(-7, nil))
	require.NoError(t, err)
	require.Equal(t, int64(-7), id)
	require.Nil(t, rest)

	_, _, err = txn.SplitNamedMetadata(logrecord.OperationData{{1, 2, 3}})
	require.Equal(t, txnlog.ECorruption, txnlog.ErrorCode(err))
}

func TestAtomicOperation_NotPrimary(t *testing.T) {
	tm := newFakeManager(txnlog.RoleActiveSecondary)
	a := txn.NewAtomicOperation(tm, txn.NewIDGenerator(0))

	err := a.AddOperation(context.Background(), data("m"), data("u"), data("r"), nil, 1)
	require.Equal(t, txnlog.ENotPrimary, txnlog.ErrorCode(err))
	require.ErrorIs(t, err, txnlog.ErrNotPrimary)
	require.Empty(t, tm.kinds(), "nothing handed to the log")
	require.Equal(t, txn.StateActive, a.State())

	// Promotion after creation does not make the operation usable.
	tm.setRole(txnlog.RolePrimary)
	err = a.AddOperation(context.Background(), data("m"), data("u"), data("r"), nil, 1)
	require.Equal(t, txnlog.ENotPrimary, txnlog.ErrorCode(err))
	require.Empty(t, tm.kinds())
}

func TestAtomicOperation_Outcomes(t *testing.T) {
	for _, tc := range []struct {
		name  string
		err   error
		state txn.State
	}{
		{"success", nil, txn.StateCommitted},
		{"retryable", transient, txn.StateActive},
		{"canceled", context.Canceled, txn.StateActive},
		{"fatal", fatal, txn.StateFaulted},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tm := newFakeManager(txnlog.RolePrimary)
			tm.errs = []error{tc.err}
			a := txn.NewAtomicOperation(tm, txn.NewIDGenerator(0))

			err := a.AddOperation(context.Background(), data("m"), data("u"), data("r"), nil, 3)
			if tc.err == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tc.err)
			}
			require.Equal(t, tc.state, a.State())
		})
	}
}

func TestAtomicOperation_SingleUse(t *testing.T) {
	tm := newFakeManager(txnlog.RolePrimary)
	tm.errs = []error{transient}
	a := txn.NewAtomicOperation(tm, txn.NewIDGenerator(0))

	require.Error(t, a.AddOperation(context.Background(), data("m"), nil, data("r"), nil, 3))
	require.NoError(t, a.AddOperation(context.Background(), data("m"), nil, data("r"), nil, 3))
	require.Equal(t, txn.StateCommitted, a.State())

	err := a.AddOperation(context.Background(), data("m"), nil, data("r"), nil, 3)
	require.Equal(t, txnlog.EInvalidState, txnlog.ErrorCode(err))
	require.Equal(t, []string{"single"}, tm.kinds())

	c := tm.calls[0]
	require.Equal(t, a.ID(), c.TxID)
	require.False(t, c.RedoOnly)
	id, md, err := txn.SplitNamedMetadata(c.Op.Metadata)
	require.NoError(t, err)
	require.Equal(t, int64(3), id)
	require.Equal(t, data("m"), md)
}

func TestAtomicRedoOperation(t *testing.T) {
	tm := newFakeManager(txnlog.RolePrimary)
	a := txn.NewAtomicRedoOperation(tm, txn.NewIDGenerator(0))
	require.NoError(t, a.AddOperation(context.Background(), data("m"), data("r"), nil, 9))
	require.Equal(t, txn.StateCommitted, a.State())
	require.True(t, tm.calls[0].RedoOnly)
	require.Nil(t, tm.calls[0].Op.Undo)
}

func TestTransaction_CommitAndAbort(t *testing.T) {
	tm := newFakeManager(txnlog.RolePrimary)
	ids := txn.NewIDGenerator(0)

	tx := txn.NewTransaction(tm, ids)
	require.NoError(t, tx.AddOperation(context.Background(), data("a"), data("u"), data("r"), nil, 1))
	require.NoError(t, tx.AddOperation(context.Background(), data("b"), data("u"), data("r"), nil, 1))
	require.NoError(t, tx.Commit(context.Background()))
	require.Equal(t, txn.StateCommitted, tx.State())
	require.Equal(t, []string{"begin", "op", "end"}, tm.kinds())
	require.True(t, tm.calls[2].Commit)

	err := tx.AddOperation(context.Background(), data("c"), nil, nil, nil, 1)
	require.Equal(t, txnlog.EInvalidState, txnlog.ErrorCode(err))

	tx = txn.NewTransaction(tm, ids)
	require.NoError(t, tx.AddOperation(context.Background(), data("a"), data("u"), data("r"), nil, 1))
	require.NoError(t, tx.Abort(context.Background()))
	require.Equal(t, txn.StateAborted, tx.State())
	require.False(t, tm.calls[4].Commit)
}

func TestTransaction_EmptyEndsWithoutRecords(t *testing.T) {
	tm := newFakeManager(txnlog.RolePrimary)
	tx := txn.NewTransaction(tm, txn.NewIDGenerator(0))
	require.NoError(t, tx.Commit(context.Background()))
	require.Equal(t, txn.StateCommitted, tx.State())
	require.Empty(t, tm.kinds())
	require.Error(t, tx.Abort(context.Background()))
}

func TestTransaction_FailureClassification(t *testing.T) {
	tm := newFakeManager(txnlog.RolePrimary)
	tm.errs = []error{transient}
	tx := txn.NewTransaction(tm, txn.NewIDGenerator(0))

	require.Error(t, tx.AddOperation(context.Background(), data("a"), nil, data("r"), nil, 1))
	require.Equal(t, txn.StateActive, tx.State())
	require.Zero(t, tx.Operations())

	require.NoError(t, tx.AddOperation(context.Background(), data("a"), nil, data("r"), nil, 1))
	require.Equal(t, []string{"begin"}, tm.kinds(), "the retried operation still begins the transaction")

	tm.errs = []error{fatal}
	require.Error(t, tx.Commit(context.Background()))
	require.Equal(t, txn.StateFaulted, tx.State())
}

func TestTransaction_NotPrimary(t *testing.T) {
	tm := newFakeManager(txnlog.RolePrimary)
	tx := txn.NewTransaction(tm, txn.NewIDGenerator(0))
	require.NoError(t, tx.AddOperation(context.Background(), data("a"), nil, data("r"), nil, 1))

	tm.setRole(txnlog.RoleActiveSecondary)
	err := tx.Commit(context.Background())
	require.Equal(t, txnlog.ENotPrimary, txnlog.ErrorCode(err))
	require.Equal(t, txn.StateActive, tx.State())
}

func TestReplayTransaction(t *testing.T) {
	tm := newFakeManager(txnlog.RolePrimary)
	ids := txn.NewIDGenerator(0)

	user := txn.NewTransaction(tm, ids)
	require.True(t, user.IsPrimary())
	require.Equal(t, int64(1), user.ID())

	// Replay transactions draw from the same counter even on a primary.
	replay := txn.NewReplayTransaction(tm, ids)
	require.False(t, replay.IsPrimary())
	require.Equal(t, int64(-2), replay.ID())
	require.Equal(t, int64(3), txn.NewTransaction(tm, ids).ID())

	err := replay.AddOperation(context.Background(), data("a"), nil, data("r"), nil, 1)
	require.Equal(t, txnlog.ENotPrimary, txnlog.ErrorCode(err))
	require.NoError(t, replay.Commit(context.Background()))
	require.Equal(t, txn.StateCommitted, replay.State())
	require.Empty(t, tm.kinds())
}

type lock struct {
	manager, key string
	order        *[]string
}

func (l *lock) Unlock() { *l.order = append(*l.order, l.key) }

func (l *lock) IsEqual(manager, key any) bool { return manager == l.manager && key == l.key }

func TestOperationContext(t *testing.T) {
	var order []string
	c := txn.NewOperationContext(&lock{"m", "a", &order})
	require.NoError(t, c.Add(&lock{"m", "b", &order}))
	require.True(t, c.Holds("m", "b"))
	require.False(t, c.Holds("other", "b"))
	require.Equal(t, 2, c.Len())

	c.Unlock()
	c.Unlock()
	require.Equal(t, []string{"b", "a"}, order)
	require.Zero(t, c.Len())
	require.Equal(t, txnlog.EInvalidState, txnlog.ErrorCode(c.Add(&lock{"m", "c", &order})))
}

func TestRetryPolicy_Do(t *testing.T) {
	p := txn.RetryPolicy{Initial: time.Millisecond, Max: 2 * time.Millisecond}

	var n int
	err := p.Do(context.Background(), func(context.Context) error {
		if n++; n < 4 {
			return transient
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 4, n)

	n = 0
	err = p.Do(context.Background(), func(context.Context) error {
		n++
		return fatal
	})
	require.ErrorIs(t, err, fatal)
	require.Equal(t, 1, n)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = p.Do(ctx, func(context.Context) error { return transient })
	require.ErrorIs(t, err, transient)
}

func TestRun(t *testing.T) {
	tm := newFakeManager(txnlog.RolePrimary)
	ids := txn.NewIDGenerator(0)
	p := txn.RetryPolicy{Initial: time.Millisecond, Max: time.Millisecond}

	var attempts int
	err := txn.Run(context.Background(), p, tm, ids, func(ctx context.Context, tx *txn.Transaction) error {
		if err := tx.AddOperation(ctx, data("a"), data("u"), data("r"), nil, 1); err != nil {
			return err
		}
		if attempts++; attempts == 1 {
			return transient
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
	require.Equal(t, []string{"begin", "end", "begin", "end"}, tm.kinds())
	require.False(t, tm.calls[1].Commit)
	require.True(t, tm.calls[3].Commit)
	require.NotEqual(t, tm.calls[0].TxID, tm.calls[2].TxID)

	err = txn.Run(context.Background(), p, tm, ids, func(context.Context, *txn.Transaction) error {
		return errors.New("boom")
	})
	require.EqualError(t, err, "boom")
}
