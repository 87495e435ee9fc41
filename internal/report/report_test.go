package report

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cdlib/ezidcore/internal/monitor"
)

type fakeLockStats struct {
	active, waiting map[string]int
}

func (f *fakeLockStats) NumLocked() int                   { return len(f.active) }
func (f *fakeLockStats) ActiveByUser() map[string]int     { return f.active }
func (f *fakeLockStats) WaitingByUser() map[string]int    { return f.waiting }

type fakeDataciteStats struct{ n int }

func (f *fakeDataciteStats) NumActiveOperations() int { return f.n }

type fakePublisher struct {
	published []monitor.Message
}

func (f *fakePublisher) Publish(topic string, msg monitor.Message) {
	f.published = append(f.published, msg)
}

func TestSnapshotAssemblesGaugesFromCollaborators(t *testing.T) {
	locks := &fakeLockStats{active: map[string]int{"alice": 2}, waiting: map[string]int{"bob": 1}}
	dc := &fakeDataciteStats{n: 3}

	r, err := New(Config{Locks: locks, Datacite: dc, Logger: zap.NewNop()})
	require.NoError(t, err)

	snap := r.Snapshot(context.Background())
	require.Equal(t, 2, snap.ActiveByUser["alice"])
	require.Equal(t, 1, snap.WaitingByUser["bob"])
	require.Equal(t, 3, snap.DataciteActiveOps)
	require.Positive(t, snap.PID)
}

func TestEmitPublishesStatusSnapshot(t *testing.T) {
	locks := &fakeLockStats{active: map[string]int{}, waiting: map[string]int{}}
	dc := &fakeDataciteStats{}
	pub := &fakePublisher{}

	r, err := New(Config{Locks: locks, Datacite: dc, Monitor: pub, Logger: zap.NewNop()})
	require.NoError(t, err)

	r.emit()

	require.Len(t, pub.published, 1)
	require.Equal(t, monitor.MsgStatusReport, pub.published[0].Type)
	require.Equal(t, "status", pub.published[0].Topic)
}
