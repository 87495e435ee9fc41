// Package daemon implements the registration daemon (spec.md §4.J): a
// single long-running worker, parameterized by a generation token bumped on
// every config reload, that drains internal/queue through the
// submit (DoDeposit) -> poll (DoPoll) -> finalize state machine, coalescing
// duplicate queue entries and emailing the owner on warning/failure.
//
// Grounded on the teacher's scheduler (internal/scheduler/scheduler.go) for
// the overall shape of a background worker owning its own tick loop and
// logging begin/success/failure around each unit of work; the tick
// mechanism itself is a plain idleSleep loop rather than gocron, matching
// spec.md §4.J's "sleep idleSleep" step precisely.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cdlib/ezidcore/internal/config"
	"github.com/cdlib/ezidcore/internal/coordinator"
	"github.com/cdlib/ezidcore/internal/crossref"
	"github.com/cdlib/ezidcore/internal/db"
)

// Queue is the subset of internal/queue.Queue the daemon needs (spec.md
// §4.I, §4.J).
type Queue interface {
	ListInSeqOrder(ctx context.Context, after uint64, limit int) ([]db.QueueEntry, error)
	MaxSeq(ctx context.Context) (uint64, error)
	CountForIdentifier(ctx context.Context, identifier string) (int64, error)
	Delete(ctx context.Context, seq uint64) error
	DeleteDuplicates(ctx context.Context, identifier string, keepSeq uint64) error
	MarkSubmitted(ctx context.Context, seq uint64, batchID string, submitTime time.Time) error
	MarkOutcome(ctx context.Context, seq uint64, status db.QueueStatus, message string) error
}

// Registrar is the subset of internal/crossref.Client the daemon needs.
type Registrar interface {
	Submit(ctx context.Context, doi string, env *crossref.Envelope) error
	Poll(ctx context.Context, batchID string) (crossref.PollOutcome, string)
}

// Coordinator is the subset of internal/coordinator.Coordinator the daemon
// needs to write the `_crossref` status back into identifier metadata
// (spec.md §4.J DoPoll).
type Coordinator interface {
	SetMetadata(ctx context.Context, rawID, user, group string, metadata map[string]string, updateExternalServices bool) coordinator.Result
}

// Identity resolves a queue entry's owner (a local username) to a
// notification email address (spec.md §4.J DoPoll).
type Identity interface {
	GetUserId(ctx context.Context, localName string) (pid string, err error)
	GetEmail(ctx context.Context, pid string) (string, error)
}

// Notifier delivers the owner-facing registrar notice (spec.md §4.J DoPoll).
type Notifier interface {
	SendRegistrarNotice(ctx context.Context, to, identifier, statusDisplay, message string) error
}

// Daemon implements spec.md §4.J.
type Daemon struct {
	queue      Queue
	registrar  Registrar
	coord      Coordinator
	identity   Identity
	notifier   Notifier
	cfg        *config.Store
	logger     *zap.Logger
	adminUser  string
	adminGroup string
	lastMaxSeq uint64
	now        func() time.Time
}

// New builds a Daemon. adminUser/adminGroup identify the admin identity
// DoPoll writes metadata back under (spec.md §4.J: "via §4.F setMetadata
// under the admin identity").
func New(queue Queue, registrar Registrar, coord Coordinator, identity Identity, notifier Notifier, cfg *config.Store, adminUser, adminGroup string, logger *zap.Logger) *Daemon {
	return &Daemon{
		queue: queue, registrar: registrar, coord: coord, identity: identity, notifier: notifier,
		cfg: cfg, adminUser: adminUser, adminGroup: adminGroup,
		logger: logger.Named("daemon"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run executes the daemon loop until ctx is cancelled or the configuration
// generation no longer matches generation, at which point it returns so the
// caller (cmd/ezid-server) can start a fresh Daemon against the reloaded
// config (spec.md §4.J "Abort checkpoints", §9).
func (d *Daemon) Run(ctx context.Context, generation uint64) error {
	d.logger.Info("daemon started", zap.Uint64("generation", generation))

	for {
		idle := d.cfg.Current().Registrar.IdleSleep
		if idle <= 0 {
			idle = 10 * time.Second
		}

		select {
		case <-ctx.Done():
			d.logger.Info("daemon stopping: context cancelled")
			return ctx.Err()
		case <-time.After(idle):
		}

		if d.aborted(generation) {
			return nil
		}

		if err := d.tick(ctx, generation); err != nil {
			d.logger.Error("daemon tick failed", zap.Error(err))
		}
	}
}

// aborted reports whether generation is stale relative to the live
// configuration snapshot (spec.md §4.J step 2).
func (d *Daemon) aborted(generation uint64) bool {
	if d.cfg.Current().Generation != generation {
		d.logger.Info("daemon exiting: generation superseded", zap.Uint64("generation", generation))
		return true
	}
	return false
}

// tick runs one pass of the daemon loop (spec.md §4.J steps 3-5).
func (d *Daemon) tick(ctx context.Context, generation uint64) error {
	maxSeq, err := d.queue.MaxSeq(ctx)
	if err != nil {
		return fmt.Errorf("daemon: max seq: %w", err)
	}
	if maxSeq == d.lastMaxSeq {
		return nil // fast path: nothing new since the last pass
	}

	entries, err := d.queue.ListInSeqOrder(ctx, 0, 0)
	if err != nil {
		return fmt.Errorf("daemon: list in seq order: %w", err)
	}
	d.lastMaxSeq = maxSeq

	// entries load in ascending seq order, so the last occurrence of an
	// identifier seen below is always its highest-seq (latest) row. Only
	// that row is ever processed; spec.md §8/§9 require that coalescing a
	// duplicate keeps the latest intent and deletes the smaller-seq rows
	// without polling or submitting them.
	latest := make(map[string]db.QueueEntry, len(entries))
	var order []string
	for i := range entries {
		entry := entries[i]
		if _, ok := latest[entry.Identifier]; !ok {
			order = append(order, entry.Identifier)
		}
		latest[entry.Identifier] = entry
	}

	for _, identifier := range order {
		entry := latest[identifier]

		if d.aborted(generation) {
			return nil
		}

		count, err := d.queue.CountForIdentifier(ctx, identifier)
		if err != nil {
			d.logger.Error("daemon: count for identifier failed", zap.String("identifier", identifier), zap.Error(err))
			continue
		}
		if count > 1 {
			if err := d.queue.DeleteDuplicates(ctx, identifier, entry.Seq); err != nil {
				d.logger.Error("daemon: delete duplicates failed", zap.String("identifier", identifier), zap.Error(err))
				continue
			}
			d.lastMaxSeq = 0 // invalidate: force a fresh list next tick
		}

		switch entry.Status {
		case db.QueueStatusUnsubmitted:
			d.doDeposit(ctx, &entry)
		case db.QueueStatusSubmitted:
			d.doPoll(ctx, &entry)
		}
	}

	return nil
}

// blob is the JSON-decoded shape of a QueueEntry's stored element-map
// snapshot (spec.md §4.I enqueue, §4.F createIdentifier/setMetadata).
type blob = map[string]string

// doDeposit builds and submits a deposit for entry (spec.md §4.J DoDeposit).
func (d *Daemon) doDeposit(ctx context.Context, entry *db.QueueEntry) {
	logger := d.logger.With(zap.String("identifier", entry.Identifier), zap.Uint64("seq", entry.Seq))

	elements, err := decodeBlob(entry.Blob)
	if err != nil {
		logger.Error("daemon: malformed queue blob, marking failure", zap.Error(err))
		d.markFailure(ctx, entry, "malformed queue entry blob")
		return
	}

	rawXML, ok := elements["crossref"]
	if !ok || strings.TrimSpace(rawXML) == "" {
		logger.Warn("daemon: no crossref deposit element, marking failure")
		d.markFailure(ctx, entry, "no 'crossref' metadata element present")
		return
	}

	body, err := crossref.ValidateBody([]byte(rawXML))
	if err != nil {
		logger.Warn("daemon: invalid crossref deposit body, marking failure", zap.Error(err))
		d.markFailure(ctx, entry, oneLine(err.Error()))
		return
	}

	doi := strings.TrimPrefix(entry.Identifier, "doi:")
	isDelete := entry.Operation == db.QueueOpDelete
	targetURL := crossref.DepositURLFor(string(entry.Operation), elements["_st"])
	withdraw := crossref.ShouldWithdrawTitles(string(entry.Operation), elements["_is"])

	reg := d.cfg.Current().Registrar
	env, err := crossref.BuildEnvelope(body, crossref.EnvelopeOptions{
		DOI:            doi,
		TargetURL:      targetURL,
		Registrant:     reg.DepositorName,
		DepositorName:  reg.DepositorName,
		DepositorEmail: reg.DepositorEmail,
		WithdrawTitles: withdraw,
	})
	if err != nil {
		logger.Error("daemon: building envelope failed, marking failure", zap.Error(err))
		d.markFailure(ctx, entry, oneLine(err.Error()))
		return
	}

	if err := d.registrar.Submit(ctx, doi, env); err != nil {
		logger.Warn("daemon: submit failed, retrying next cycle", zap.Error(err))
		return
	}

	if isDelete {
		if err := d.queue.Delete(ctx, entry.Seq); err != nil {
			logger.Error("daemon: deleting completed delete entry failed", zap.Error(err))
		}
		return
	}

	if err := d.queue.MarkSubmitted(ctx, entry.Seq, env.BatchID, d.now()); err != nil {
		logger.Error("daemon: mark submitted failed", zap.Error(err))
	}
}

// doPoll polls a submitted entry's batch outcome (spec.md §4.J DoPoll).
func (d *Daemon) doPoll(ctx context.Context, entry *db.QueueEntry) {
	logger := d.logger.With(zap.String("identifier", entry.Identifier), zap.Uint64("seq", entry.Seq))

	outcome, message := d.registrar.Poll(ctx, entry.BatchID)

	switch outcome {
	case crossref.PollSubmitted:
		if err := d.queue.MarkOutcome(ctx, entry.Seq, db.QueueStatusSubmitted, message); err != nil {
			logger.Error("daemon: updating submitted message failed", zap.Error(err))
		}

	case crossref.PollCompletedSuccess:
		if entry.Operation != db.QueueOpDelete {
			d.writeBack(ctx, entry, crossref.CrossrefStatusElement(outcome, ""))
		}
		if err := d.queue.Delete(ctx, entry.Seq); err != nil {
			logger.Error("daemon: deleting completed entry failed", zap.Error(err))
		}

	case crossref.PollCompletedWarning, crossref.PollCompletedFailure:
		status := db.QueueStatusWarning
		if outcome == crossref.PollCompletedFailure {
			status = db.QueueStatusFailure
		}
		d.writeBack(ctx, entry, crossref.CrossrefStatusElement(outcome, message))
		if err := d.queue.MarkOutcome(ctx, entry.Seq, status, message); err != nil {
			logger.Error("daemon: mark outcome failed", zap.Error(err))
		}
		d.notifyOwner(ctx, entry, string(status), message)

	case crossref.PollUnknown:
		// leave unchanged for retry
	}
}

// writeBack sets the `_crossref` status element via the coordinator under
// the admin identity, with updateExternalServices=false so this internal
// write never re-enqueues itself (spec.md §4.J DoPoll).
func (d *Daemon) writeBack(ctx context.Context, entry *db.QueueEntry, status string) {
	res := d.coord.SetMetadata(ctx, entry.Identifier, d.adminUser, d.adminGroup, map[string]string{"_crossref": status}, false)
	if res.Kind != coordinator.KindSuccess {
		d.logger.Error("daemon: writing back crossref status failed",
			zap.String("identifier", entry.Identifier), zap.String("result", res.String()))
	}
}

// markFailure records a terminal failure for a U-status entry that can
// never succeed as-is (malformed blob, invalid deposit body) without
// retrying it indefinitely.
func (d *Daemon) markFailure(ctx context.Context, entry *db.QueueEntry, message string) {
	if err := d.queue.MarkOutcome(ctx, entry.Seq, db.QueueStatusFailure, message); err != nil {
		d.logger.Error("daemon: mark failure failed", zap.String("identifier", entry.Identifier), zap.Error(err))
	}
}

// notifyOwner emails the owner if their registrar-notification email is on
// file (spec.md §4.J DoPoll).
func (d *Daemon) notifyOwner(ctx context.Context, entry *db.QueueEntry, statusDisplay, message string) {
	pid, err := d.identity.GetUserId(ctx, entry.Owner)
	if err != nil {
		d.logger.Warn("daemon: resolving owner pid failed", zap.String("owner", entry.Owner), zap.Error(err))
		return
	}
	email, err := d.identity.GetEmail(ctx, pid)
	if err != nil {
		d.logger.Warn("daemon: resolving owner email failed", zap.String("owner", entry.Owner), zap.Error(err))
		return
	}
	if email == "" {
		return
	}
	if err := d.notifier.SendRegistrarNotice(ctx, email, entry.Identifier, statusDisplay, message); err != nil {
		d.logger.Warn("daemon: registrar notice failed", zap.String("identifier", entry.Identifier), zap.Error(err))
	}
}

func decodeBlob(raw string) (blob, error) {
	var m blob
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("daemon: decoding blob: %w", err)
	}
	return m, nil
}

func oneLine(s string) string {
	return strings.ReplaceAll(s, "\n", " ")
}
