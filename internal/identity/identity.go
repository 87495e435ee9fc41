// Package identity adapts the identity-directory collaborator described in
// spec.md §6: getAgent(pid) -> (localName, kind) and
// getUserId(localName) -> pid. The real EZID identity directory is an LDAP
// tree; this adapter is grounded on the teacher's OIDC client instead
// (github.com/coreos/go-oidc/v3 + golang.org/x/oauth2), treating the agent
// directory as an external OIDC-backed user-info service and caching
// resolved records in internal/repository.AgentRecordRepository so repeat
// lookups for the same owner/group during a request never round-trip.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/cdlib/ezidcore/internal/db"
	"github.com/cdlib/ezidcore/internal/repository"
)

// ErrUnknownUser is returned by GetUserId when no agent PID maps to the
// given local name (spec.md §6, §7 UnknownUser).
var ErrUnknownUser = errors.New("identity: unknown user")

// Directory resolves agent PIDs to local names and kinds, and back.
type Directory struct {
	cache      repository.AgentRecordRepository
	httpClient *http.Client
	tokenSrc   oauth2.TokenSource
	userInfoURL string
	logger     *zap.Logger
}

// Config configures the upstream OIDC-backed directory service.
type Config struct {
	IssuerURL    string
	UserInfoURL  string
	ClientID     string
	ClientSecret string
}

// New constructs a Directory. It performs OIDC provider discovery against
// IssuerURL using client-credentials grant — the directory is treated as a
// trusted backend service, not an end-user login flow, so no browser
// redirect/PKCE dance is needed (contrast internal/auth, which does run a
// user-facing login for the HTTP front door's admin account).
func New(ctx context.Context, cfg Config, cache repository.AgentRecordRepository, logger *zap.Logger) (*Directory, error) {
	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("identity: discovering oidc provider: %w", err)
	}

	ccCfg := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     provider.Endpoint().TokenURL,
	}

	return &Directory{
		cache:       cache,
		httpClient:  http.DefaultClient,
		tokenSrc:    ccCfg.TokenSource(ctx),
		userInfoURL: cfg.UserInfoURL,
		logger:      logger.Named("identity"),
	}, nil
}

type directoryEntry struct {
	Pid       string `json:"pid"`
	LocalName string `json:"local_name"`
	Kind      string `json:"kind"`
	Email     string `json:"email"`
}

// GetAgent resolves an agent PID to its local name and kind ("user" or
// "group"), per spec.md §6. Results are cached; a cache hit never makes an
// outbound call.
func (d *Directory) GetAgent(ctx context.Context, pid string) (localName, kind string, err error) {
	if rec, err := d.cache.GetByPid(ctx, pid); err == nil {
		return rec.LocalName, rec.Kind, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return "", "", fmt.Errorf("identity: reading agent cache: %w", err)
	}

	entry, err := d.lookup(ctx, "pid", pid)
	if err != nil {
		return "", "", err
	}

	if err := d.cache.Upsert(ctx, &db.AgentRecord{Pid: entry.Pid, LocalName: entry.LocalName, Kind: entry.Kind, Email: entry.Email}); err != nil {
		d.logger.Warn("failed to cache agent record", zap.String("pid", pid), zap.Error(err))
	}

	return entry.LocalName, entry.Kind, nil
}

// GetEmail resolves an agent PID to its registrar-notification email address
// (spec.md §4.J DoPoll). Returns "" with no error if the directory has no
// email on file — the daemon treats that as "do not send" rather than an
// error.
func (d *Directory) GetEmail(ctx context.Context, pid string) (string, error) {
	if rec, err := d.cache.GetByPid(ctx, pid); err == nil {
		return rec.Email, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return "", fmt.Errorf("identity: reading agent cache: %w", err)
	}

	entry, err := d.lookup(ctx, "pid", pid)
	if err != nil {
		if errors.Is(err, ErrUnknownUser) {
			return "", nil
		}
		return "", err
	}

	if err := d.cache.Upsert(ctx, &db.AgentRecord{Pid: entry.Pid, LocalName: entry.LocalName, Kind: entry.Kind, Email: entry.Email}); err != nil {
		d.logger.Warn("failed to cache agent record", zap.String("pid", pid), zap.Error(err))
	}

	return entry.Email, nil
}

// GetUserId resolves a local name back to its agent PID, or ErrUnknownUser
// if none matches (spec.md §6, §7).
func (d *Directory) GetUserId(ctx context.Context, localName string) (string, error) {
	if rec, err := d.cache.GetByLocalName(ctx, localName); err == nil {
		return rec.Pid, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return "", fmt.Errorf("identity: reading agent cache: %w", err)
	}

	entry, err := d.lookup(ctx, "local_name", localName)
	if err != nil {
		if errors.Is(err, ErrUnknownUser) {
			return "", ErrUnknownUser
		}
		return "", err
	}

	if err := d.cache.Upsert(ctx, &db.AgentRecord{Pid: entry.Pid, LocalName: entry.LocalName, Kind: entry.Kind, Email: entry.Email}); err != nil {
		d.logger.Warn("failed to cache agent record", zap.String("local_name", localName), zap.Error(err))
	}

	return entry.Pid, nil
}

func (d *Directory) lookup(ctx context.Context, queryKey, queryVal string) (directoryEntry, error) {
	token, err := d.tokenSrc.Token()
	if err != nil {
		return directoryEntry{}, fmt.Errorf("identity: obtaining client-credentials token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.userInfoURL, nil)
	if err != nil {
		return directoryEntry{}, err
	}
	q := req.URL.Query()
	q.Set(queryKey, queryVal)
	req.URL.RawQuery = q.Encode()
	token.SetAuthHeader(req)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return directoryEntry{}, fmt.Errorf("identity: directory lookup request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return directoryEntry{}, ErrUnknownUser
	}
	if resp.StatusCode != http.StatusOK {
		return directoryEntry{}, fmt.Errorf("identity: directory lookup returned status %d", resp.StatusCode)
	}

	var entry directoryEntry
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		return directoryEntry{}, fmt.Errorf("identity: decoding directory response: %w", err)
	}
	return entry, nil
}
