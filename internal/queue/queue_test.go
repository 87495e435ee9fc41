package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cdlib/ezidcore/internal/db"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	return database
}

func TestEnqueueAssignsIncreasingSeq(t *testing.T) {
	q := New(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "doi:10.5072/FK2ABC", "create", "alice", `{"_o":"alice"}`))
	require.NoError(t, q.Enqueue(ctx, "doi:10.5072/FK2DEF", "create", "bob", `{"_o":"bob"}`))

	entries, err := q.ListInSeqOrder(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Less(t, entries[0].Seq, entries[1].Seq)
	require.Equal(t, db.QueueStatusUnsubmitted, entries[0].Status)
}

func TestMaxSeqReflectsLatestEnqueue(t *testing.T) {
	q := New(newTestDB(t))
	ctx := context.Background()

	max, err := q.MaxSeq(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, max)

	require.NoError(t, q.Enqueue(ctx, "doi:10.5072/FK2ABC", "create", "alice", "{}"))
	max, err = q.MaxSeq(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, max)
}

func TestEarliestForIdentifierReturnsFirst(t *testing.T) {
	q := New(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "doi:10.5072/FK2ABC", "create", "alice", "{}"))
	require.NoError(t, q.Enqueue(ctx, "doi:10.5072/FK2ABC", "update", "alice", "{}"))

	entry, err := q.EarliestForIdentifier(ctx, "doi:10.5072/FK2ABC")
	require.NoError(t, err)
	require.Equal(t, db.QueueOpCreate, entry.Operation)

	count, err := q.CountForIdentifier(ctx, "doi:10.5072/FK2ABC")
	require.NoError(t, err)
	require.EqualValues(t, 2, count)
}

func TestDeleteDuplicatesKeepsOnlyKeepSeq(t *testing.T) {
	q := New(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "doi:10.5072/FK2ABC", "create", "alice", "{}"))
	require.NoError(t, q.Enqueue(ctx, "doi:10.5072/FK2ABC", "update", "alice", "{}"))
	require.NoError(t, q.Enqueue(ctx, "doi:10.5072/FK2ABC", "update", "alice", "{}"))

	entries, err := q.ListInSeqOrder(ctx, 0, 0)
	require.NoError(t, err)
	keep := entries[0].Seq

	require.NoError(t, q.DeleteDuplicates(ctx, "doi:10.5072/FK2ABC", keep))

	remaining, err := q.ListInSeqOrder(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, keep, remaining[0].Seq)
}

func TestMarkSubmittedThenOutcomeLifecycle(t *testing.T) {
	q := New(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "doi:10.5072/FK2ABC", "create", "alice", "{}"))
	entries, err := q.ListInSeqOrder(ctx, 0, 0)
	require.NoError(t, err)
	seq := entries[0].Seq

	require.NoError(t, q.MarkSubmitted(ctx, seq, "batch-1", time.Now().UTC()))
	entries, err = q.ListInSeqOrder(ctx, 0, 0)
	require.NoError(t, err)
	require.Equal(t, db.QueueStatusSubmitted, entries[0].Status)
	require.Equal(t, "batch-1", entries[0].BatchID)

	require.NoError(t, q.MarkOutcome(ctx, seq, db.QueueStatusWarning, "dns mismatch"))
	entries, err = q.ListInSeqOrder(ctx, 0, 0)
	require.NoError(t, err)
	require.Equal(t, db.QueueStatusWarning, entries[0].Status)
	require.Equal(t, "dns mismatch", entries[0].Message)
}

func TestDeleteRemovesEntry(t *testing.T) {
	q := New(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "doi:10.5072/FK2ABC", "create", "alice", "{}"))
	entries, err := q.ListInSeqOrder(ctx, 0, 0)
	require.NoError(t, err)

	require.NoError(t, q.Delete(ctx, entries[0].Seq))

	remaining, err := q.ListInSeqOrder(ctx, 0, 0)
	require.NoError(t, err)
	require.Empty(t, remaining)

	require.ErrorIs(t, q.Delete(ctx, entries[0].Seq), ErrNotFound)
}
