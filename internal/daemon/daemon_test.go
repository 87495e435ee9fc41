package daemon

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cdlib/ezidcore/internal/config"
	"github.com/cdlib/ezidcore/internal/coordinator"
	"github.com/cdlib/ezidcore/internal/crossref"
	"github.com/cdlib/ezidcore/internal/db"
	"github.com/cdlib/ezidcore/internal/queue"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	return database
}

func newTestStore(idleSleep time.Duration) *config.Store {
	return config.NewStore(config.Snapshot{
		Registrar: config.RegistrarConfig{
			IdleSleep:      idleSleep,
			DepositorName:  "EZID",
			DepositorEmail: "ezid@example.org",
		},
	})
}

type fakeRegistrar struct {
	submitErr     error
	submitted     []string
	submittedXML  []string
	pollOutcome   crossref.PollOutcome
	pollMessage   string
}

func (f *fakeRegistrar) Submit(ctx context.Context, doi string, env *crossref.Envelope) error {
	f.submitted = append(f.submitted, doi)
	f.submittedXML = append(f.submittedXML, string(env.XML))
	return f.submitErr
}

func (f *fakeRegistrar) Poll(ctx context.Context, batchID string) (crossref.PollOutcome, string) {
	return f.pollOutcome, f.pollMessage
}

type fakeCoordinator struct {
	calls []map[string]string
	kind  coordinator.Kind
}

func (f *fakeCoordinator) SetMetadata(ctx context.Context, rawID, user, group string, metadata map[string]string, updateExternalServices bool) coordinator.Result {
	f.calls = append(f.calls, metadata)
	if updateExternalServices {
		panic("daemon write-back must never re-enqueue")
	}
	if f.kind == coordinator.KindSuccess || f.kind == 0 {
		return coordinator.Success(nil)
	}
	return coordinator.Result{Kind: f.kind}
}

type fakeIdentity struct {
	pid   string
	email string
	err   error
}

func (f *fakeIdentity) GetUserId(ctx context.Context, localName string) (string, error) {
	return f.pid, f.err
}

func (f *fakeIdentity) GetEmail(ctx context.Context, pid string) (string, error) {
	return f.email, nil
}

type fakeNotifier struct {
	sent []string
}

func (f *fakeNotifier) SendRegistrarNotice(ctx context.Context, to, identifier, statusDisplay, message string) error {
	f.sent = append(f.sent, to)
	return nil
}

const validCrossrefBody = `<?xml version="1.0"?>
<doi_batch version="4.4.2" xmlns="http://www.crossref.org/schema/4.4.2">
<body><journal><journal_article><titles><title>A Title</title></titles>
<doi_data><doi>placeholder</doi><resource>placeholder</resource></doi_data>
</journal_article></journal></body></doi_batch>`

func TestDoDepositSubmitsAndMarksSubmitted(t *testing.T) {
	q := queue.New(newTestDB(t))
	ctx := context.Background()

	blob := `{"crossref":` + toJSONString(validCrossrefBody) + `,"_st":"http://example.org/target"}`
	require.NoError(t, q.Enqueue(ctx, "doi:10.5072/FK2ABC", "create", "alice", blob))

	reg := &fakeRegistrar{}
	d := New(q, reg, &fakeCoordinator{}, &fakeIdentity{}, &fakeNotifier{}, newTestStore(time.Millisecond), "admin", "admin", zap.NewNop())

	entries, err := q.ListInSeqOrder(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	d.doDeposit(ctx, &entries[0])

	require.Equal(t, []string{"10.5072/FK2ABC"}, reg.submitted)

	entries, err = q.ListInSeqOrder(ctx, 0, 0)
	require.NoError(t, err)
	require.Equal(t, db.QueueStatusSubmitted, entries[0].Status)
	require.NotEmpty(t, entries[0].BatchID)
}

func TestDoDepositMarksFailureOnMissingCrossrefElement(t *testing.T) {
	q := queue.New(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "doi:10.5072/FK2ABC", "create", "alice", `{"_st":"http://example.org/target"}`))

	reg := &fakeRegistrar{}
	d := New(q, reg, &fakeCoordinator{}, &fakeIdentity{}, &fakeNotifier{}, newTestStore(time.Millisecond), "admin", "admin", zap.NewNop())

	entries, err := q.ListInSeqOrder(ctx, 0, 0)
	require.NoError(t, err)
	d.doDeposit(ctx, &entries[0])

	entries, err = q.ListInSeqOrder(ctx, 0, 0)
	require.NoError(t, err)
	require.Equal(t, db.QueueStatusFailure, entries[0].Status)
	require.Empty(t, reg.submitted)
}

func TestDoPollCompletedSuccessDeletesEntry(t *testing.T) {
	q := queue.New(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "doi:10.5072/FK2ABC", "create", "alice", `{}`))
	require.NoError(t, q.MarkSubmitted(ctx, 1, "batch-1", time.Now().UTC()))

	coord := &fakeCoordinator{}
	reg := &fakeRegistrar{pollOutcome: crossref.PollCompletedSuccess}
	d := New(q, reg, coord, &fakeIdentity{}, &fakeNotifier{}, newTestStore(time.Millisecond), "admin", "admin", zap.NewNop())

	entries, err := q.ListInSeqOrder(ctx, 0, 0)
	require.NoError(t, err)
	d.doPoll(ctx, &entries[0])

	entries, err = q.ListInSeqOrder(ctx, 0, 0)
	require.NoError(t, err)
	require.Empty(t, entries)
	require.Len(t, coord.calls, 1)
}

func TestDoPollWarningNotifiesOwner(t *testing.T) {
	q := queue.New(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "doi:10.5072/FK2ABC", "create", "alice", `{}`))
	require.NoError(t, q.MarkSubmitted(ctx, 1, "batch-1", time.Now().UTC()))

	coord := &fakeCoordinator{}
	notifier := &fakeNotifier{}
	identity := &fakeIdentity{pid: "pid:alice", email: "alice@example.org"}
	reg := &fakeRegistrar{pollOutcome: crossref.PollCompletedWarning, pollMessage: "conflicting record"}
	d := New(q, reg, coord, identity, notifier, newTestStore(time.Millisecond), "admin", "admin", zap.NewNop())

	entries, err := q.ListInSeqOrder(ctx, 0, 0)
	require.NoError(t, err)
	d.doPoll(ctx, &entries[0])

	entries, err = q.ListInSeqOrder(ctx, 0, 0)
	require.NoError(t, err)
	require.Equal(t, db.QueueStatusWarning, entries[0].Status)
	require.Equal(t, []string{"alice@example.org"}, notifier.sent)
}

func TestDoPollUnknownLeavesEntryUnchanged(t *testing.T) {
	q := queue.New(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "doi:10.5072/FK2ABC", "create", "alice", `{}`))
	require.NoError(t, q.MarkSubmitted(ctx, 1, "batch-1", time.Now().UTC()))

	reg := &fakeRegistrar{pollOutcome: crossref.PollUnknown}
	d := New(q, reg, &fakeCoordinator{}, &fakeIdentity{}, &fakeNotifier{}, newTestStore(time.Millisecond), "admin", "admin", zap.NewNop())

	entries, err := q.ListInSeqOrder(ctx, 0, 0)
	require.NoError(t, err)
	d.doPoll(ctx, &entries[0])

	entries, err = q.ListInSeqOrder(ctx, 0, 0)
	require.NoError(t, err)
	require.Equal(t, db.QueueStatusSubmitted, entries[0].Status)
}

func TestTickCollapsesDuplicateEntries(t *testing.T) {
	q := queue.New(newTestDB(t))
	ctx := context.Background()

	blob := `{"crossref":` + toJSONString(validCrossrefBody) + `,"_st":"http://example.org/target"}`
	require.NoError(t, q.Enqueue(ctx, "doi:10.5072/FK2ABC", "create", "alice", blob))
	require.NoError(t, q.Enqueue(ctx, "doi:10.5072/FK2ABC", "update", "alice", blob))

	reg := &fakeRegistrar{}
	d := New(q, reg, &fakeCoordinator{}, &fakeIdentity{}, &fakeNotifier{}, newTestStore(time.Millisecond), "admin", "admin", zap.NewNop())

	require.NoError(t, d.tick(ctx, 0))

	entries, err := q.ListInSeqOrder(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, []string{"10.5072/FK2ABC"}, reg.submitted)
}

func TestTickCoalescingKeepsLatestIntentNotFirst(t *testing.T) {
	q := queue.New(newTestDB(t))
	ctx := context.Background()

	createBlob := `{"crossref":` + toJSONString(validCrossrefBody) + `,"_st":"http://example.org/create-target"}`
	updateBlob := `{"crossref":` + toJSONString(validCrossrefBody) + `,"_st":"http://example.org/update-target"}`
	require.NoError(t, q.Enqueue(ctx, "doi:10.5072/FK2ABC", "create", "alice", createBlob))
	require.NoError(t, q.Enqueue(ctx, "doi:10.5072/FK2ABC", "update", "alice", updateBlob))

	reg := &fakeRegistrar{}
	d := New(q, reg, &fakeCoordinator{}, &fakeIdentity{}, &fakeNotifier{}, newTestStore(time.Millisecond), "admin", "admin", zap.NewNop())

	require.NoError(t, d.tick(ctx, 0))

	entries, err := q.ListInSeqOrder(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, uint64(2), entries[0].Seq, "the higher-seq (later) entry must survive coalescing")
	require.Equal(t, []string{"10.5072/FK2ABC"}, reg.submitted)
	require.Len(t, reg.submittedXML, 1)
	require.Contains(t, reg.submittedXML[0], "http://example.org/update-target")
	require.NotContains(t, reg.submittedXML[0], "http://example.org/create-target")
}

func TestAbortedDetectsGenerationMismatch(t *testing.T) {
	store := newTestStore(time.Millisecond)
	d := New(nil, nil, nil, nil, nil, store, "admin", "admin", zap.NewNop())

	require.False(t, d.aborted(store.Current().Generation))
	store.Reload(config.Snapshot{})
	require.True(t, d.aborted(0))
}

func toJSONString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
