package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cdlib/ezidcore/internal/authz"
	"github.com/cdlib/ezidcore/internal/config"
	"github.com/cdlib/ezidcore/internal/identifier"
	"github.com/cdlib/ezidcore/internal/lock"
)

// Store is the subset of internal/store.Store the coordinator needs
// (spec.md §4.B).
type Store interface {
	Exists(ctx context.Context, ark string) (bool, error)
	Hold(ctx context.Context, ark string) error
	Get(ctx context.Context, ark string) (map[string]string, error)
	Set(ctx context.Context, ark string, elements map[string]string) error
}

// Minter is the subset of internal/minter.Client the coordinator needs
// (spec.md §4.D).
type Minter interface {
	Mint(ctx context.Context, server, prefix string) (string, error)
}

// Identity resolves agent PIDs to local names (spec.md §6).
type Identity interface {
	GetAgent(ctx context.Context, pid string) (localName, kind string, err error)
	GetUserId(ctx context.Context, localName string) (pid string, err error)
}

// Registrar is the DataCite-style DOI registrar consumed interface (spec.md
// §6): synchronous, real-time registration calls distinct from the
// Crossref-style asynchronous queue (internal/queue, internal/daemon).
type Registrar interface {
	RegisterIdentifier(ctx context.Context, doi, target string) error
	SetTargetUrl(ctx context.Context, doi, target string) error
	UploadMetadata(ctx context.Context, doi string, prev, delta map[string]string) error
	ValidateDcmsRecord(ctx context.Context, qid, xml string) (normalized string, err error)
	NumActiveOperations() int
}

// Queue is the registration queue's enqueue surface (spec.md §4.I),
// consumed here to hand off Crossref-style registration intents.
type Queue interface {
	Enqueue(ctx context.Context, identifier, operation, owner, blob string) error
}

// Coordinator implements spec.md §4.F.
type Coordinator struct {
	store    Store
	locks    *lock.Registry
	minter   Minter
	identity Identity
	registrar Registrar
	queue    Queue
	policy   authz.Policy
	cfg      *config.Store
	logger   *zap.Logger
	now      func() time.Time
}

// New builds a Coordinator from its collaborators.
func New(store Store, locks *lock.Registry, minter Minter, identity Identity, registrar Registrar, queue Queue, policy authz.Policy, cfg *config.Store, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		store: store, locks: locks, minter: minter, identity: identity,
		registrar: registrar, queue: queue, policy: policy, cfg: cfg,
		logger: logger.Named("coordinator"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (c *Coordinator) txn() string { return uuid.NewString() }

// reserved metadata element names (stored form) and their transmitted
// counterparts, per the table in spec.md §3.
const (
	tOwner      = "_owner"
	tOwnerGroup = "_ownergroup"
	tCoOwners   = "_coowners"
	tCreated    = "_created"
	tUpdated    = "_updated"
	tTarget     = "_target"
	tShadows    = "_shadows"
	tProfile    = "_profile"
	tStatus     = "_status"
	tShadowedBy = "_shadowedby"

	sOwner      = "_o"
	sOwnerGroup = "_g"
	sCoOwners   = "_co"
	sCreated    = "_c"
	sUpdatedArk = "_u"
	sTargetArk  = "_t"
	sShadows    = "_s"
	sUpdatedSh  = "_su"
	sTargetSh   = "_st"
	sProfile    = "_p"
	sStatus     = "_is"
)

// reservedButSettable are the reserved transmitted names any caller (not
// just the admin) may set via setMetadata (spec.md §4.F setMetadata).
var reservedButSettable = map[string]bool{
	tCoOwners: true,
	tTarget:   true,
	tProfile:  true,
}

func isReserved(transmittedName string) bool {
	return strings.HasPrefix(transmittedName, "_")
}

// -----------------------------------------------------------------------------
// mintIdentifier
// -----------------------------------------------------------------------------

// MintIdentifier dispatches by scheme prefix (spec.md §4.F mintIdentifier).
func (c *Coordinator) MintIdentifier(ctx context.Context, prefix, user, group, target string) Result {
	txn := c.txn()
	c.logger.Info("mintIdentifier begin", zap.String("txn", txn), zap.String("prefix", prefix))

	var scheme identifier.Scheme
	switch {
	case strings.HasPrefix(prefix, "ark:"):
		scheme = identifier.SchemeArk
	case strings.HasPrefix(prefix, "doi:"):
		scheme = identifier.SchemeDoi
	case strings.HasPrefix(prefix, "urn:uuid"):
		scheme = identifier.SchemeUrnUuid
	default:
		c.logger.Warn("mintIdentifier bad request", zap.String("txn", txn), zap.String("reason", "unrecognized identifier scheme"))
		return BadRequest("unrecognized identifier scheme")
	}

	snap := c.cfg.Current()
	var pc config.PrefixConfig
	if scheme != identifier.SchemeUrnUuid {
		var ok bool
		pc, ok = snap.Prefixes[prefix]
		if !ok {
			return BadRequest(fmt.Sprintf("unrecognized %s prefix", scheme))
		}
	}

	if !c.policy.AuthorizeCreate(user, group, prefix) {
		c.logger.Warn("mintIdentifier unauthorized", zap.String("txn", txn))
		return Unauthorized()
	}

	var minted string
	switch scheme {
	case identifier.SchemeUrnUuid:
		u, err := uuid.NewRandom()
		if err != nil {
			c.logger.Error("mintIdentifier internal error", zap.String("txn", txn), zap.Error(err))
			return InternalError()
		}
		minted = "urn:uuid:" + u.String()

	default:
		name, err := c.minter.Mint(ctx, pc.Minter, prefix)
		if err != nil {
			return BadRequest("no minter for namespace")
		}
		minted = name
		if !strings.HasPrefix(minted, prefix) {
			c.logger.Error("mintIdentifier minted name does not begin with prefix", zap.String("txn", txn))
			return InternalError()
		}
		if scheme == identifier.SchemeDoi {
			shadow, err := identifier.Doi2Shadow(minted)
			if err != nil {
				return InternalError()
			}
			back, err := identifier.Shadow2Doi(shadow)
			if err != nil || back != minted {
				c.logger.Error("mintIdentifier shadow round-trip failed", zap.String("txn", txn))
				return InternalError()
			}
		}
	}

	return c.CreateIdentifier(ctx, minted, user, group, target)
}

// -----------------------------------------------------------------------------
// createIdentifier
// -----------------------------------------------------------------------------

// CreateIdentifier validates, locks, authorizes, and commits a brand-new
// identifier (spec.md §4.F createIdentifier).
func (c *Coordinator) CreateIdentifier(ctx context.Context, rawID, user, group, target string) Result {
	txn := c.txn()
	c.logger.Info("createIdentifier begin", zap.String("txn", txn), zap.String("id", rawID))

	id, err := identifier.Parse(rawID)
	if err != nil {
		return BadRequest(fmt.Sprintf("invalid %s identifier", guessScheme(rawID)))
	}
	ark := id.StorageKey()

	snap := c.cfg.Current()
	prefix := c.matchPrefix(snap, id)

	var result Result
	lockErr := c.locks.WithLockFor(ctx, ark, user, func() error {
		if !c.policy.AuthorizeCreate(user, group, prefix) {
			result = Unauthorized()
			return nil
		}

		exists, err := c.store.Exists(ctx, ark)
		if err != nil {
			c.logger.Error("createIdentifier internal error", zap.String("txn", txn), zap.Error(err))
			result = InternalError()
			return nil
		}
		if exists {
			result = BadRequest("identifier already exists")
			return nil
		}

		if target == "" {
			target = snap.EzidBaseURL + "/id/" + url.PathEscape(id.Qualified())
		}

		if id.Scheme == identifier.SchemeDoi {
			if err := c.registrar.RegisterIdentifier(ctx, id.Value, target); err != nil {
				c.logger.Error("createIdentifier registrar error", zap.String("txn", txn), zap.Error(err))
				result = InternalError()
				return nil
			}
		}

		if err := c.store.Hold(ctx, ark); err != nil {
			result = InternalError()
			return nil
		}

		now := c.now()
		nowStr := strconv.FormatInt(now.Unix(), 10)
		elements := map[string]string{
			sOwner:      user,
			sOwnerGroup: group,
			sCoOwners:   "",
			sCreated:    nowStr,
		}

		switch id.Scheme {
		case identifier.SchemeArk:
			elements[sUpdatedArk] = nowStr
			elements[sTargetArk] = target
			elements[sProfile] = snap.DefaultArkProfile
		case identifier.SchemeDoi:
			elements[sShadows] = id.Qualified()
			elements[sUpdatedSh] = nowStr
			elements[sTargetSh] = target
			elements[sProfile] = snap.DefaultDoiProfile
		case identifier.SchemeUrnUuid:
			elements[sShadows] = id.Qualified()
			elements[sUpdatedSh] = nowStr
			elements[sTargetSh] = target
			elements[sProfile] = snap.DefaultUrnUuidProfile
		}

		if err := c.store.Set(ctx, ark, elements); err != nil {
			result = InternalError()
			return nil
		}

		if id.Scheme == identifier.SchemeDoi {
			blob, err := encodeBlob(elements)
			if err == nil {
				if err := c.queue.Enqueue(ctx, id.Qualified(), "create", user, blob); err != nil {
					c.logger.Warn("createIdentifier failed to enqueue registration", zap.String("txn", txn), zap.Error(err))
				}
			}
		}

		switch id.Scheme {
		case identifier.SchemeArk:
			result = Success(strings.TrimPrefix(id.Qualified(), "ark:"))
		default:
			result = Success(id.Qualified() + " | " + ark)
		}
		return nil
	})

	if lockErr != nil {
		c.logger.Error("createIdentifier failed acquiring lock", zap.String("txn", txn), zap.Error(lockErr))
		return InternalError()
	}

	c.logger.Info("createIdentifier end", zap.String("txn", txn), zap.Int("kind", int(result.Kind)))
	return result
}

// -----------------------------------------------------------------------------
// getMetadata
// -----------------------------------------------------------------------------

// GetMetadata returns the transmitted-form element map for id (spec.md §4.F
// getMetadata).
func (c *Coordinator) GetMetadata(ctx context.Context, rawID string) Result {
	txn := c.txn()
	c.logger.Info("getMetadata begin", zap.String("txn", txn), zap.String("id", rawID))

	id, err := identifier.Parse(rawID)
	if err != nil {
		return BadRequest(fmt.Sprintf("invalid %s identifier", guessScheme(rawID)))
	}
	ark := id.StorageKey()

	var result Result
	lockErr := c.locks.WithLock(ctx, ark, func() error {
		stored, err := c.store.Get(ctx, ark)
		if err != nil {
			c.logger.Error("getMetadata internal error", zap.String("txn", txn), zap.Error(err))
			result = InternalError()
			return nil
		}
		if stored == nil {
			result = BadRequest("no such identifier")
			return nil
		}

		transmitted := c.projectForRead(ctx, id, stored, ark)
		result = Success(map[string]any{"id": id.Qualified(), "metadata": transmitted})
		return nil
	})
	if lockErr != nil {
		return InternalError()
	}
	c.logger.Info("getMetadata end", zap.String("txn", txn), zap.Int("kind", int(result.Kind)))
	return result
}

// projectForRead translates the stored element map into transmitted names
// per the table in spec.md §3, stripping scheme-inapplicable keys and
// resolving owner/group/co-owner PIDs to local names.
func (c *Coordinator) projectForRead(ctx context.Context, id identifier.Identifier, stored map[string]string, ark string) map[string]string {
	out := make(map[string]string, len(stored))

	for k, v := range stored {
		switch k {
		case sOwner:
			out[tOwner] = c.resolveLocalName(ctx, v)
		case sOwnerGroup:
			out[tOwnerGroup] = c.resolveLocalName(ctx, v)
		case sCoOwners:
			coOwners := parseCoOwners(v)
			for i, co := range coOwners {
				coOwners[i] = c.resolveLocalName(ctx, co)
			}
			out[tCoOwners] = strings.Join(coOwners, ";")
		case sCreated:
			out[tCreated] = v
		case sUpdatedArk:
			if id.Scheme == identifier.SchemeArk {
				out[tUpdated] = v
			}
		case sTargetArk:
			if id.Scheme == identifier.SchemeArk {
				out[tTarget] = v
			}
		case sShadows:
			if id.Scheme != identifier.SchemeArk {
				out[tShadows] = v
			}
		case sUpdatedSh:
			if id.Scheme != identifier.SchemeArk {
				out[tUpdated] = v
			}
		case sTargetSh:
			if id.Scheme != identifier.SchemeArk {
				out[tTarget] = v
			}
		case sProfile:
			out[tProfile] = v
		case sStatus:
			out[tStatus] = v
		default:
			out[k] = v
		}
	}

	if _, ok := out[tStatus]; !ok {
		out[tStatus] = "public"
	}

	if id.Scheme != identifier.SchemeArk {
		out[tShadowedBy] = ark
	}

	return out
}

func (c *Coordinator) resolveLocalName(ctx context.Context, pid string) string {
	if pid == "" {
		return pid
	}
	name, _, err := c.identity.GetAgent(ctx, pid)
	if err != nil {
		return pid
	}
	return name
}

// -----------------------------------------------------------------------------
// setMetadata
// -----------------------------------------------------------------------------

// SetMetadata validates, authorizes, merges, and commits a metadata update
// (spec.md §4.F setMetadata). updateExternalServices is false when invoked
// by the registration daemon writing status back (spec.md §9), suppressing
// outbound registrar calls to avoid the coordinator<->daemon call cycle.
func (c *Coordinator) SetMetadata(ctx context.Context, rawID, user, group string, metadata map[string]string, updateExternalServices bool) Result {
	txn := c.txn()
	c.logger.Info("setMetadata begin", zap.String("txn", txn), zap.String("id", rawID))

	id, err := identifier.Parse(rawID)
	if err != nil {
		return BadRequest(fmt.Sprintf("invalid %s identifier", guessScheme(rawID)))
	}
	ark := id.StorageKey()
	snap := c.cfg.Current()
	admin := snap.LdapAdminUsername

	for name := range metadata {
		if name == "" {
			return BadRequest("empty element name")
		}
		if isReserved(name) && !reservedButSettable[name] && !authz.IsAdmin(user, admin) {
			return BadRequest("use of reserved metadata element name")
		}
	}

	if xmlVal, ok := metadata["datacite"]; ok {
		normalized, err := c.registrar.ValidateDcmsRecord(ctx, id.Qualified(), xmlVal)
		if err != nil {
			return BadRequest(fmt.Sprintf("element 'datacite': %s", oneLine(err.Error())))
		}
		metadata["datacite"] = normalized
	}

	var result Result
	lockErr := c.locks.WithLockFor(ctx, ark, user, func() error {
		stored, err := c.store.Get(ctx, ark)
		if err != nil {
			result = InternalError()
			return nil
		}
		if stored == nil {
			result = BadRequest("no such identifier")
			return nil
		}

		owner := stored[sOwner]
		ownerGroup := stored[sOwnerGroup]
		currentCoOwners := parseCoOwners(stored[sCoOwners])

		keysBeingSet := make([]string, 0, len(metadata))
		for k := range metadata {
			keysBeingSet = append(keysBeingSet, k)
		}
		sort.Strings(keysBeingSet)

		if !c.policy.AuthorizeUpdate(user, group, id.Qualified(), owner, ownerGroup, currentCoOwners, keysBeingSet) {
			result = Unauthorized()
			return nil
		}

		coOwners := currentCoOwners
		if raw, ok := metadata[tCoOwners]; ok {
			coOwners = parseCoOwners(raw)
		}
		coOwners = normalizeCoOwners(coOwners, owner, admin)
		if !authz.IsAdmin(user, admin) && user != owner {
			coOwners = appendIfMissing(coOwners, user)
		}

		delta := map[string]string{sCoOwners: strings.Join(coOwners, ";")}
		metadataChanged := false

		for k, v := range metadata {
			switch k {
			case tCoOwners:
				// handled above
			case tOwner:
				delta[sOwner] = v
			case tOwnerGroup:
				delta[sOwnerGroup] = v
			case tProfile:
				delta[sProfile] = v
			case tStatus:
				delta[sStatus] = v
			case tTarget:
				// scheme-specific handling below
			case tCreated, tShadows, tShadowedBy:
				// not settable through this path even for admin; ignored
			case tUpdated:
				if id.Scheme == identifier.SchemeArk {
					delta[sUpdatedArk] = v
				} else {
					delta[sUpdatedSh] = v
				}
			default:
				delta[k] = v
				metadataChanged = true
			}
		}

		now := strconv.FormatInt(c.now().Unix(), 10)

		switch id.Scheme {
		case identifier.SchemeDoi:
			if target, ok := metadata[tTarget]; ok {
				if updateExternalServices {
					if err := c.registrar.SetTargetUrl(ctx, id.Value, target); err != nil {
						result = InternalError()
						return nil
					}
				}
				delta[sTargetSh] = target
			}
			if metadataChanged && updateExternalServices {
				if err := c.registrar.UploadMetadata(ctx, id.Value, stored, delta); err != nil {
					result = BadRequest(fmt.Sprintf("metadata upload rejected: %s", oneLine(err.Error())))
					return nil
				}
			}
			if _, explicit := metadata[tUpdated]; !explicit {
				delta[sUpdatedSh] = now
			}

		case identifier.SchemeArk:
			if target, ok := metadata[tTarget]; ok {
				delta[sTargetArk] = target
			}
			if shadowedDoi, ok := stored[sShadows]; ok && strings.HasPrefix(shadowedDoi, "doi:") && metadataChanged && updateExternalServices {
				doiVal, _ := identifier.ValidateDoi(shadowedDoi)
				if err := c.registrar.UploadMetadata(ctx, doiVal, stored, delta); err != nil {
					result = BadRequest(fmt.Sprintf("metadata upload rejected: %s", oneLine(err.Error())))
					return nil
				}
			}
			if _, explicit := metadata[tUpdated]; !explicit {
				delta[sUpdatedArk] = now
			}

		case identifier.SchemeUrnUuid:
			if target, ok := metadata[tTarget]; ok {
				delta[sTargetSh] = target
			}
			if _, explicit := metadata[tUpdated]; !explicit {
				delta[sUpdatedSh] = now
			}
		}

		if err := c.store.Set(ctx, ark, delta); err != nil {
			result = InternalError()
			return nil
		}

		if id.Scheme == identifier.SchemeDoi && updateExternalServices {
			merged := mergeMaps(stored, delta)
			if blob, err := encodeBlob(merged); err == nil {
				if err := c.queue.Enqueue(ctx, id.Qualified(), "update", user, blob); err != nil {
					c.logger.Warn("setMetadata failed to enqueue registration", zap.String("txn", txn), zap.Error(err))
				}
			}
		}

		result = Success(id.Qualified())
		return nil
	})

	if lockErr != nil {
		return InternalError()
	}
	c.logger.Info("setMetadata end", zap.String("txn", txn), zap.Int("kind", int(result.Kind)))
	return result
}

// -----------------------------------------------------------------------------
// helpers
// -----------------------------------------------------------------------------

func parseCoOwners(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// normalizeCoOwners drops "", "anonymous", the admin username, and the
// owner, then dedupes — spec.md §4.F setMetadata co-owner rules.
func normalizeCoOwners(coOwners []string, owner, admin string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(coOwners))
	for _, co := range coOwners {
		if co == "" || co == "anonymous" || co == admin || co == owner || seen[co] {
			continue
		}
		seen[co] = true
		out = append(out, co)
	}
	return out
}

func appendIfMissing(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func mergeMaps(base, delta map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(delta))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range delta {
		out[k] = v
	}
	return out
}

// matchPrefix finds the longest registered shoulder id's qualified form
// begins with, for prefix-level authorization. A urn:uuid identifier (no
// shoulder concept) always authorizes against the bare scheme tag.
func (c *Coordinator) matchPrefix(snap *config.Snapshot, id identifier.Identifier) string {
	if id.Scheme == identifier.SchemeUrnUuid {
		return "urn:uuid:"
	}
	qualified := id.Qualified()
	best := ""
	for p := range snap.Prefixes {
		if strings.HasPrefix(qualified, p) && len(p) > len(best) {
			best = p
		}
	}
	return best
}

func guessScheme(raw string) string {
	switch {
	case strings.HasPrefix(raw, "ark:"):
		return "ark"
	case strings.HasPrefix(raw, "doi:"):
		return "doi"
	case strings.HasPrefix(raw, "urn:uuid"):
		return "urn_uuid"
	default:
		return "identifier"
	}
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.TrimSpace(s)
}

// encodeBlob serializes an element map as the JSON snapshot a QueueEntry
// carries (spec.md §4.I, db.QueueEntry.Blob).
func encodeBlob(elements map[string]string) (string, error) {
	b, err := json.Marshal(elements)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
