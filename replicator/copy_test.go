package replicator_test

import (
	"context"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	txnlog "github.com/microsoft/service-fabric-sub010"
	"github.com/microsoft/service-fabric-sub010/copystream"
	"github.com/microsoft/service-fabric-sub010/logio"
	"github.com/microsoft/service-fabric-sub010/progress"
	"github.com/microsoft/service-fabric-sub010/replicator"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type memState struct {
	mu       sync.Mutex
	metadata []*copystream.SerializableMetadata
}

func (s *memState) CopyState(context.Context) ([]*copystream.SerializableMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metadata, nil
}

func (s *memState) ApplyCopiedState(_ context.Context, metadata []*copystream.SerializableMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata = metadata
	return nil
}

func (s *memState) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for _, md := range s.metadata {
		names = append(names, md.Name)
	}
	return names
}

func newMemState(t *testing.T) *memState {
	md, err := copystream.NewSerializableMetadata("fabric:/app/store", copystream.TypeIdentity{Name: "Store"}, nil, 1, 0, copystream.MetadataActive, 1)
	require.NoError(t, err)
	return &memState{metadata: []*copystream.SerializableMetadata{md}}
}

func newCopyStream(t *testing.T, source, target *replicator.LogManager, state replicator.StateSource) *replicator.CopyStream {
	t.Helper()
	s, err := source.NewCopyStream(context.Background(), state, 2, target.CopyContext(), target.LastAtomicRedoLSN())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newIdleSecondary(t *testing.T, l logio.Log, opts ...func(m *replicator.LogManager)) *replicator.LogManager {
	t.Helper()
	m := newLogManager(t, l, testConfig(), opts...)
	require.NoError(t, m.ChangeRole(context.Background(), txnlog.RoleIdleSecondary))
	return m
}

func TestCopy_None(t *testing.T) {
	ctx := context.Background()
	source := newPrimary(t, logio.NewMemLog(), testConfig())
	target := newIdleSecondary(t, logio.NewMemLog())

	s := newCopyStream(t, source, target, nil)
	require.Equal(t, progress.CopyModeNone, s.Result().Mode)
	require.NoError(t, target.NewCopyTarget(nil).Apply(ctx, s))
	require.Equal(t, txnlog.OneLSN, target.Tail())
}

func TestCopy_Partial(t *testing.T) {
	ctx := context.Background()
	source := newPrimary(t, logio.NewMemLog(), testConfig())
	require.NoError(t, source.UpdateEpoch(ctx, txnlog.NewEpoch(1, 1), 1))
	writeAtomic(t, source, 2, 32)
	tx := replicator.NewTransactionManager(source).NewTransaction()
	require.NoError(t, tx.AddOperation(ctx, data("k1"), data("u1"), data("r1"), nil, 1))
	require.NoError(t, tx.AddOperation(ctx, data("k2"), data("u2"), data("r2"), nil, 1))
	require.NoError(t, tx.Commit(ctx))

	a := &recordingApplier{}
	target := newIdleSecondary(t, logio.NewMemLog(), withApplier(a))

	s := newCopyStream(t, source, target, nil)
	require.Equal(t, progress.CopyModePartial, s.Result().Mode)
	require.NoError(t, target.NewCopyTarget(nil).Apply(ctx, s))

	require.Equal(t, source.Tail(), target.Tail())
	require.Equal(t, txnlog.NewEpoch(1, 1), target.Epoch())
	if diff := cmp.Diff(source.ProgressVector().Entries(), target.ProgressVector().Entries()); diff != "" {
		t.Fatalf("progress vectors differ (-source +target):\n%s", diff)
	}

	type step struct {
		LSN txnlog.LSN
		AC  txnlog.ApplyContext
	}
	var got []step
	for _, c := range a.Calls() {
		got = append(got, step{c.LSN, c.AC})
	}
	want := []step{
		{2, txnlog.SecondaryRedo}, {2, txnlog.SecondaryUnlock},
		{3, txnlog.SecondaryRedo}, {3, txnlog.SecondaryUnlock},
		{4, txnlog.SecondaryRedo}, {5, txnlog.SecondaryRedo},
		{4, txnlog.SecondaryUnlock}, {5, txnlog.SecondaryUnlock},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected apply calls (-want +got):\n%s", diff)
	}
}

func TestCopy_Full(t *testing.T) {
	ctx := context.Background()
	state := newMemState(t)
	source := newPrimary(t, logio.NewMemLog(), testConfig())
	require.NoError(t, source.UpdateEpoch(ctx, txnlog.NewEpoch(1, 1), 1))
	tm := replicator.NewTransactionManager(source)

	before := tm.NewTransaction()
	require.NoError(t, before.AddOperation(ctx, data("k1"), data("u1"), data("r1"), nil, 1))
	require.NoError(t, before.AddOperation(ctx, data("k2"), data("u2"), data("r2"), nil, 1))
	require.NoError(t, before.Commit(ctx))
	require.NoError(t, source.Checkpoint(ctx))
	after := tm.NewTransaction()
	require.NoError(t, after.AddOperation(ctx, data("k3"), data("u3"), data("r3"), nil, 1))
	require.NoError(t, after.AddOperation(ctx, data("k4"), data("u4"), data("r4"), nil, 1))
	require.NoError(t, after.Commit(ctx))
	require.Equal(t, txnlog.LSN(8), source.Tail())

	// The target made progress in an epoch whose data was lost.
	l := logio.NewMemLog()
	a := &recordingApplier{}
	target := newIdleSecondary(t, l, withApplier(a))
	require.NoError(t, target.UpdateEpoch(ctx, txnlog.NewEpoch(0, 1), 5))

	s := newCopyStream(t, source, target, state)
	require.True(t, s.Result().Mode.Has(progress.CopyModeFull))
	require.Equal(t, progress.FullCopyReasonDataLoss, s.Result().FullCopyReason)

	sink := &memState{}
	require.NoError(t, target.NewCopyTarget(sink).Apply(ctx, s))
	require.Equal(t, []string{"fabric:/app/store"}, sink.Names())
	require.Equal(t, txnlog.LSN(8), target.Tail())
	require.Equal(t, txnlog.NewEpoch(1, 1), target.Epoch())

	// Only the transaction after the copied checkpoint is redone.
	for _, c := range a.Calls() {
		require.Equal(t, after.ID(), c.TxID)
	}
	require.Len(t, a.Calls(), 4)

	// A restart starts from the checkpoint taken after the copy.
	require.NoError(t, target.Close())
	a.Reset()
	target = newLogManager(t, l, testConfig(), withApplier(a))
	require.Equal(t, txnlog.LSN(8), target.Tail())
	require.Equal(t, txnlog.NewEpoch(1, 1), target.Epoch())
	require.Empty(t, a.Calls())
}

func TestCopy_FullInterrupted(t *testing.T) {
	ctx := context.Background()
	source := newPrimary(t, logio.NewMemLog(), testConfig())
	require.NoError(t, source.UpdateEpoch(ctx, txnlog.NewEpoch(1, 1), 1))
	writeAtomic(t, source, 2, 32)

	l := logio.NewMemLog()
	target := newIdleSecondary(t, l)
	require.NoError(t, target.UpdateEpoch(ctx, txnlog.NewEpoch(0, 1), 5))

	s := newCopyStream(t, source, target, newMemState(t))
	var ops [][][]byte
	for {
		op, err := s.Next(ctx)
		require.NoError(t, err)
		ops = append(ops, op)
		stage, _, err := copystream.SplitStage(op)
		require.NoError(t, err)
		if stage == copystream.StageCopyProgressVector {
			break
		}
	}
	require.NoError(t, s.Close())

	err := target.NewCopyTarget(nil).Apply(ctx, copystream.NewSliceStream(ops...))
	require.Equal(t, txnlog.ECorruption, txnlog.ErrorCode(err))
	require.NoError(t, target.Close())

	m := replicator.NewLogManager(testConfig(), l)
	m.WithLogger(zaptest.NewLogger(t))
	err = m.Open(ctx)
	require.Equal(t, txnlog.EInvalidState, txnlog.ErrorCode(err))
	require.NoError(t, m.Close())
}

func TestCopy_Errors(t *testing.T) {
	source := newLogManager(t, logio.NewMemLog(), testConfig())
	target := newIdleSecondary(t, logio.NewMemLog())
	_, err := source.NewCopyStream(context.Background(), nil, 2, target.CopyContext(), target.LastAtomicRedoLSN())
	require.Equal(t, txnlog.ENotPrimary, txnlog.ErrorCode(err))

	// A stream that ends before CopyDone leaves the target incomplete.
	err = source.NewCopyTarget(nil).Apply(context.Background(), copystream.NewSliceStream())
	require.Equal(t, txnlog.ECorruption, txnlog.ErrorCode(err))
}
