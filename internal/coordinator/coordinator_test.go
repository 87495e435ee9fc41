package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cdlib/ezidcore/internal/authz"
	"github.com/cdlib/ezidcore/internal/config"
	"github.com/cdlib/ezidcore/internal/lock"
)

// -- fakes --------------------------------------------------------------

type fakeStore struct {
	mu       sync.Mutex
	held     map[string]bool
	elements map[string]map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{held: map[string]bool{}, elements: map[string]map[string]string{}}
}

func (s *fakeStore) Exists(ctx context.Context, ark string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held[ark] || len(s.elements[ark]) > 0, nil
}

func (s *fakeStore) Hold(ctx context.Context, ark string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held[ark] = true
	return nil
}

func (s *fakeStore) Get(ctx context.Context, ark string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.held[ark] && len(s.elements[ark]) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(s.elements[ark]))
	for k, v := range s.elements[ark] {
		out[k] = v
	}
	return out, nil
}

func (s *fakeStore) Set(ctx context.Context, ark string, elements map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.elements[ark] == nil {
		s.elements[ark] = map[string]string{}
	}
	for k, v := range elements {
		s.elements[ark][k] = v
	}
	return nil
}

type fakeMinter struct{ next string }

func (m *fakeMinter) Mint(ctx context.Context, server, prefix string) (string, error) {
	return prefix + m.next, nil
}

type fakeIdentity struct{}

func (fakeIdentity) GetAgent(ctx context.Context, pid string) (string, string, error) {
	return pid, "user", nil
}
func (fakeIdentity) GetUserId(ctx context.Context, localName string) (string, error) {
	return localName, nil
}

type fakeRegistrar struct {
	registered map[string]string
	targets    map[string]string
	uploads    int
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{registered: map[string]string{}, targets: map[string]string{}}
}

func (r *fakeRegistrar) RegisterIdentifier(ctx context.Context, doi, target string) error {
	r.registered[doi] = target
	return nil
}
func (r *fakeRegistrar) SetTargetUrl(ctx context.Context, doi, target string) error {
	r.targets[doi] = target
	return nil
}
func (r *fakeRegistrar) UploadMetadata(ctx context.Context, doi string, prev, delta map[string]string) error {
	r.uploads++
	return nil
}
func (r *fakeRegistrar) ValidateDcmsRecord(ctx context.Context, qid, xml string) (string, error) {
	return xml, nil
}
func (r *fakeRegistrar) NumActiveOperations() int { return 0 }

type fakeQueue struct {
	mu      sync.Mutex
	entries []string
}

func (q *fakeQueue) Enqueue(ctx context.Context, identifier, operation, owner, blob string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, identifier+":"+operation)
	return nil
}

func newTestCoordinator(t *testing.T, minted string) (*Coordinator, *fakeStore, *fakeRegistrar, *fakeQueue) {
	t.Helper()
	store := newFakeStore()
	registrar := newFakeRegistrar()
	queue := &fakeQueue{}
	cfg := config.NewStore(config.Snapshot{
		EzidBaseURL: "https://ezid.example.org",
		Prefixes: map[string]config.PrefixConfig{
			"ark:/99999/fk4": {Prefix: "ark:/99999/fk4", Minter: "https://minter.example.org/99999/fk4"},
			"doi:10.5072/FK2": {Prefix: "doi:10.5072/FK2", Minter: "https://minter.example.org/10.5072/FK2"},
		},
		DefaultArkProfile:     "dc",
		DefaultDoiProfile:     "datacite",
		DefaultUrnUuidProfile: "erc",
		LdapAdminUsername:     "admin",
	})
	c := New(store, lock.New(zap.NewNop()), &fakeMinter{next: minted}, fakeIdentity{}, registrar, queue, authz.DefaultPolicy{AdminUsername: "admin"}, cfg, zap.NewNop())
	return c, store, registrar, queue
}

// -- tests ----------------------------------------------------------------

func TestMintIdentifierArk(t *testing.T) {
	c, store, _, _ := newTestCoordinator(t, "abc123")
	res := c.MintIdentifier(context.Background(), "ark:/99999/fk4", "alice", "curators", "")
	require.Equal(t, KindSuccess, res.Kind)

	exists, err := store.Exists(context.Background(), "ark:/99999/fk4abc123")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestMintIdentifierUnauthorized(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t, "abc123")
	res := c.MintIdentifier(context.Background(), "ark:/99999/fk4", "", "", "")
	assert.Equal(t, KindUnauthorized, res.Kind)
}

func TestMintIdentifierUnknownPrefix(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t, "abc123")
	res := c.MintIdentifier(context.Background(), "ark:/11111/xx", "alice", "", "")
	assert.Equal(t, KindBadRequest, res.Kind)
}

func TestMintIdentifierDoiEnqueuesRegistration(t *testing.T) {
	c, _, registrar, queue := newTestCoordinator(t, "99Z")
	res := c.MintIdentifier(context.Background(), "doi:10.5072/FK2", "alice", "curators", "https://example.org/target")
	require.Equal(t, KindSuccess, res.Kind, res.Reason)

	assert.Contains(t, registrar.registered, "10.5072/FK299Z")
	require.Len(t, queue.entries, 1)
	assert.Contains(t, queue.entries[0], ":create")
}

func TestMintIdentifierUrnUuid(t *testing.T) {
	c, store, _, _ := newTestCoordinator(t, "")
	res := c.MintIdentifier(context.Background(), "urn:uuid:", "alice", "", "")
	require.Equal(t, KindSuccess, res.Kind, res.Reason)

	payload, ok := res.Payload.(string)
	require.True(t, ok)
	assert.Contains(t, payload, "urn:uuid:")

	// shadow ark under NAAN 97720 must exist
	found := false
	for ark := range store.elements {
		if len(ark) > len("ark:/97720/") && ark[:len("ark:/97720/")] == "ark:/97720/" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestCreateIdentifierAlreadyExists(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t, "abc123")
	res := c.CreateIdentifier(context.Background(), "ark:/99999/fk4abc123", "alice", "", "")
	require.Equal(t, KindSuccess, res.Kind)

	res2 := c.CreateIdentifier(context.Background(), "ark:/99999/fk4abc123", "alice", "", "")
	assert.Equal(t, KindBadRequest, res2.Kind)
	assert.Contains(t, res2.Reason, "already exists")
}

func TestCreateIdentifierInvalid(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t, "abc123")
	res := c.CreateIdentifier(context.Background(), "not-an-identifier", "alice", "", "")
	assert.Equal(t, KindBadRequest, res.Kind)
}

func TestGetMetadataProjectsArkFields(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t, "abc123")
	createRes := c.CreateIdentifier(context.Background(), "ark:/99999/fk4abc123", "alice", "curators", "https://example.org/x")
	require.Equal(t, KindSuccess, createRes.Kind)

	res := c.GetMetadata(context.Background(), "ark:/99999/fk4abc123")
	require.Equal(t, KindSuccess, res.Kind)

	payload, ok := res.Payload.(map[string]any)
	require.True(t, ok)
	md, ok := payload["metadata"].(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "alice", md["_owner"])
	assert.Equal(t, "https://example.org/x", md["_target"])
	assert.Equal(t, "public", md["_status"])
	_, hasShadowedBy := md["_shadowedby"]
	assert.False(t, hasShadowedBy)
}

func TestGetMetadataNoSuchIdentifier(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t, "abc123")
	res := c.GetMetadata(context.Background(), "ark:/99999/fk4nope")
	assert.Equal(t, KindBadRequest, res.Kind)
}

func TestSetMetadataUpdatesTargetAndCoOwners(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t, "abc123")
	createRes := c.CreateIdentifier(context.Background(), "ark:/99999/fk4abc123", "alice", "curators", "")
	require.Equal(t, KindSuccess, createRes.Kind)

	res := c.SetMetadata(context.Background(), "ark:/99999/fk4abc123", "alice", "curators", map[string]string{
		"_target":   "https://example.org/new",
		"_coowners": "bob; ; anonymous",
	}, true)
	require.Equal(t, KindSuccess, res.Kind, res.Reason)

	getRes := c.GetMetadata(context.Background(), "ark:/99999/fk4abc123")
	require.Equal(t, KindSuccess, getRes.Kind)
	md := getRes.Payload.(map[string]any)["metadata"].(map[string]string)
	assert.Equal(t, "https://example.org/new", md["_target"])
	assert.Equal(t, "bob", md["_coowners"])
}

func TestSetMetadataRejectsReservedElement(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t, "abc123")
	createRes := c.CreateIdentifier(context.Background(), "ark:/99999/fk4abc123", "alice", "", "")
	require.Equal(t, KindSuccess, createRes.Kind)

	res := c.SetMetadata(context.Background(), "ark:/99999/fk4abc123", "alice", "", map[string]string{"_created": "0"}, true)
	assert.Equal(t, KindBadRequest, res.Kind)
	assert.Contains(t, res.Reason, "reserved")
}

func TestSetMetadataUnauthorizedForNonOwner(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t, "abc123")
	createRes := c.CreateIdentifier(context.Background(), "ark:/99999/fk4abc123", "alice", "curators", "")
	require.Equal(t, KindSuccess, createRes.Kind)

	res := c.SetMetadata(context.Background(), "ark:/99999/fk4abc123", "mallory", "outsiders", map[string]string{"dc.title": "x"}, true)
	assert.Equal(t, KindUnauthorized, res.Kind)
}

func TestSetMetadataDoiEnqueuesUpdate(t *testing.T) {
	c, _, registrar, queue := newTestCoordinator(t, "99Z")
	createRes := c.CreateIdentifier(context.Background(), "doi:10.5072/FK299Z", "alice", "curators", "https://example.org/a")
	require.Equal(t, KindSuccess, createRes.Kind)
	require.Len(t, queue.entries, 1)

	res := c.SetMetadata(context.Background(), "doi:10.5072/FK299Z", "alice", "curators", map[string]string{
		"_target": "https://example.org/b",
		"dc.title": "A Title",
	}, true)
	require.Equal(t, KindSuccess, res.Kind, res.Reason)

	assert.Equal(t, "https://example.org/b", registrar.targets["10.5072/FK299Z"])
	assert.Equal(t, 1, registrar.uploads)
	assert.Len(t, queue.entries, 2)
	assert.Contains(t, queue.entries[1], ":update")
}

func TestSetMetadataDoesNotEnqueueWhenUpdateExternalServicesFalse(t *testing.T) {
	c, _, _, queue := newTestCoordinator(t, "99Z")
	createRes := c.CreateIdentifier(context.Background(), "doi:10.5072/FK299Z", "alice", "curators", "")
	require.Equal(t, KindSuccess, createRes.Kind)
	require.Len(t, queue.entries, 1)

	res := c.SetMetadata(context.Background(), "doi:10.5072/FK299Z", "admin", "", map[string]string{"_status": "unavailable"}, false)
	require.Equal(t, KindSuccess, res.Kind, res.Reason)
	assert.Len(t, queue.entries, 1)
}

func TestConcurrentSetMetadataIsSerializedByLock(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t, "abc123")
	createRes := c.CreateIdentifier(context.Background(), "ark:/99999/fk4abc123", "alice", "curators", "")
	require.Equal(t, KindSuccess, createRes.Kind)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			c.SetMetadata(ctx, "ark:/99999/fk4abc123", "alice", "curators", map[string]string{"note": "x"}, true)
		}(i)
	}
	wg.Wait()

	res := c.GetMetadata(context.Background(), "ark:/99999/fk4abc123")
	require.Equal(t, KindSuccess, res.Kind)
}
