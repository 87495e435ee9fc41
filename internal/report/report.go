// Package report implements the status reporter (spec.md §4.K): a separate
// periodic task emitting PID, total thread count, active identifier
// operations grouped by user, waiting-request count by user, active
// DataCite operations, and active/total store+search DB connection counts,
// pushed out over internal/monitor's websocket hub.
//
// Grounded on the teacher's internal/scheduler package for the gocron
// wiring (singleton-mode duration job, zap logging around each tick); the
// reporter itself has no destinations/jobs repositories to coordinate, so
// it is a single fixed-interval task rather than a per-policy job table.
package report

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/cdlib/ezidcore/internal/monitor"
)

// Prometheus gauges mirroring the fields of Snapshot, scraped independently
// of the websocket push (spec.md §4.K's monitoring feed gets a pull-based
// sibling at /metrics for operators running a Prometheus stack).
var (
	metricThreadCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ezid", Name: "goroutines", Help: "Current goroutine count.",
	})
	metricActiveByUser = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ezid", Name: "active_operations", Help: "Active identifier operations held by user.",
	}, []string{"user"})
	metricWaitingByUser = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ezid", Name: "waiting_operations", Help: "Requests waiting for a lock, by waiting user.",
	}, []string{"user"})
	metricDataciteActiveOps = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ezid", Name: "datacite_active_operations", Help: "In-flight DataCite registrar requests.",
	})
	metricStoreConnsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ezid", Name: "store_db_connections_active", Help: "Store database connections in use.",
	})
	metricSearchConnsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ezid", Name: "search_db_connections_active", Help: "Search database connections in use.",
	})
)

func init() {
	prometheus.MustRegister(
		metricThreadCount,
		metricActiveByUser,
		metricWaitingByUser,
		metricDataciteActiveOps,
		metricStoreConnsActive,
		metricSearchConnsActive,
	)
}

// LockStats is the subset of internal/lock.Registry the reporter needs.
type LockStats interface {
	NumLocked() int
	ActiveByUser() map[string]int
	WaitingByUser() map[string]int
}

// DataciteStats is the subset of internal/datacite.Client the reporter needs.
type DataciteStats interface {
	NumActiveOperations() int
}

// Publisher is the subset of internal/monitor.Hub the reporter needs.
type Publisher interface {
	Publish(topic string, msg monitor.Message)
}

// Snapshot is the JSON-serialized payload pushed to subscribers of the
// "status" topic (spec.md §4.K).
type Snapshot struct {
	PID                int            `json:"pid"`
	ThreadCount        int            `json:"thread_count"`
	ActiveByUser        map[string]int `json:"active_by_user"`
	WaitingByUser        map[string]int `json:"waiting_by_user"`
	DataciteActiveOps   int            `json:"datacite_active_ops"`
	StoreConnsActive    int            `json:"store_conns_active"`
	StoreConnsTotal     int            `json:"store_conns_total"`
	SearchConnsActive   int            `json:"search_conns_active"`
	SearchConnsTotal    int            `json:"search_conns_total"`
}

// Reporter periodically assembles and publishes a Snapshot.
type Reporter struct {
	cron     gocron.Scheduler
	locks    LockStats
	datacite DataciteStats
	storeDB  *sql.DB
	searchDB *sql.DB
	pub      Publisher
	logger   *zap.Logger
}

// Config configures a Reporter. StoreDB and SearchDB may be the same
// connection pool if a deployment has no separate search database.
type Config struct {
	Locks    LockStats
	Datacite DataciteStats
	StoreDB  *sql.DB
	SearchDB *sql.DB
	Monitor  Publisher
	Logger   *zap.Logger
}

// New constructs a Reporter. Call Start to begin emitting on Interval.
func New(cfg Config) (*Reporter, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("report: creating scheduler: %w", err)
	}
	return &Reporter{
		cron:     cron,
		locks:    cfg.Locks,
		datacite: cfg.Datacite,
		storeDB:  cfg.StoreDB,
		searchDB: cfg.SearchDB,
		pub:      cfg.Monitor,
		logger:   cfg.Logger.Named("report"),
	}, nil
}

// Start schedules the recurring emission and starts the underlying
// scheduler. interval is the configured status-report interval (spec.md §6
// "status_report_interval").
func (r *Reporter) Start(interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	_, err := r.cron.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(r.emit),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("report: scheduling emission job: %w", err)
	}
	r.cron.Start()
	return nil
}

// Stop shuts the scheduler down.
func (r *Reporter) Stop() error {
	return r.cron.Shutdown()
}

// Snapshot builds one report without publishing it — exposed so a
// diagnostic HTTP handler can serve the current state on demand.
func (r *Reporter) Snapshot(ctx context.Context) Snapshot {
	s := Snapshot{
		PID:          os.Getpid(),
		ThreadCount:  runtime.NumGoroutine(),
		ActiveByUser: map[string]int{},
		WaitingByUser: map[string]int{},
	}
	if r.locks != nil {
		s.ActiveByUser = r.locks.ActiveByUser()
		s.WaitingByUser = r.locks.WaitingByUser()
	}
	if r.datacite != nil {
		s.DataciteActiveOps = r.datacite.NumActiveOperations()
	}
	if r.storeDB != nil {
		stats := r.storeDB.Stats()
		s.StoreConnsActive = stats.InUse
		s.StoreConnsTotal = stats.OpenConnections
	}
	if r.searchDB != nil {
		stats := r.searchDB.Stats()
		s.SearchConnsActive = stats.InUse
		s.SearchConnsTotal = stats.OpenConnections
	}
	return s
}

// emit is the gocron task body: build a Snapshot and publish it.
func (r *Reporter) emit() {
	snap := r.Snapshot(context.Background())
	r.logger.Debug("status report emitted",
		zap.Int("pid", snap.PID),
		zap.Int("thread_count", snap.ThreadCount),
		zap.Int("datacite_active_ops", snap.DataciteActiveOps),
	)
	r.updateMetrics(snap)
	if r.pub != nil {
		r.pub.Publish("status", monitor.Message{Type: monitor.MsgStatusReport, Topic: "status", Payload: snap})
	}
}

// updateMetrics mirrors a Snapshot onto the package's Prometheus gauges.
func (r *Reporter) updateMetrics(snap Snapshot) {
	metricThreadCount.Set(float64(snap.ThreadCount))
	metricDataciteActiveOps.Set(float64(snap.DataciteActiveOps))
	metricStoreConnsActive.Set(float64(snap.StoreConnsActive))
	metricSearchConnsActive.Set(float64(snap.SearchConnsActive))

	metricActiveByUser.Reset()
	for user, n := range snap.ActiveByUser {
		metricActiveByUser.WithLabelValues(user).Set(float64(n))
	}
	metricWaitingByUser.Reset()
	for user, n := range snap.WaitingByUser {
		metricWaitingByUser.WithLabelValues(user).Set(float64(n))
	}
}
