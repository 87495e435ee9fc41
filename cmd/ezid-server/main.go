package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/cdlib/ezidcore/internal/api"
	"github.com/cdlib/ezidcore/internal/auth"
	"github.com/cdlib/ezidcore/internal/authz"
	"github.com/cdlib/ezidcore/internal/config"
	"github.com/cdlib/ezidcore/internal/coordinator"
	"github.com/cdlib/ezidcore/internal/crossref"
	"github.com/cdlib/ezidcore/internal/daemon"
	"github.com/cdlib/ezidcore/internal/datacite"
	"github.com/cdlib/ezidcore/internal/db"
	"github.com/cdlib/ezidcore/internal/identity"
	"github.com/cdlib/ezidcore/internal/lock"
	"github.com/cdlib/ezidcore/internal/minter"
	"github.com/cdlib/ezidcore/internal/monitor"
	"github.com/cdlib/ezidcore/internal/notify"
	"github.com/cdlib/ezidcore/internal/queue"
	"github.com/cdlib/ezidcore/internal/report"
	"github.com/cdlib/ezidcore/internal/repository"
	"github.com/cdlib/ezidcore/internal/store"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// serverConfig holds every flag needed to assemble a config.Snapshot plus
// the process-level settings (listen address, database, secrets) the
// snapshot does not carry. Kept as a flat struct, following the teacher's
// cobra wiring, so the same values can be reread on a diag-reload without
// re-parsing the command line.
type serverConfig struct {
	httpAddr      string
	dbDriver      string
	dbDSN         string
	secretKey     string
	logLevel      string
	dataDir       string
	secureCookies bool

	bindNoid              string
	ezidBaseURL           string
	prefixes              []string
	defaultDoiProfile     string
	defaultArkProfile     string
	defaultUrnUuidProfile string
	adminUsername         string
	adminGroup            string
	statusReportInterval  time.Duration

	registrarEnabled        bool
	registrarDaemonEnabled  bool
	registrarDataciteEnabled bool
	depositorName           string
	depositorEmail          string
	crossrefRealServer      string
	crossrefTestServer      string
	crossrefDepositURL      string
	crossrefResultsURL      string
	crossrefUsername        string
	crossrefPassword        string
	crossrefIdleSleep       time.Duration

	dataciteBaseURL string
	dataciteUsername string
	datacitePassword string

	identityIssuerURL    string
	identityUserInfoURL  string
	identityClientID     string
	identityClientSecret string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &serverConfig{}

	root := &cobra.Command{
		Use:   "ezid-server",
		Short: "EZID server — persistent identifier minting and metadata service",
		Long: `ezid-server exposes the EZID plain-text identifier protocol
(mint/create/get/set) under /ezid and a JSON admin surface (login, status,
diag-reload) under /admin, backing both with a GORM-persisted metadata
store and a Crossref/DataCite registration pipeline.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.httpAddr, "http-addr", envOrDefault("EZID_HTTP_ADDR", ":8080"), "HTTP listen address")
	flags.StringVar(&cfg.dbDriver, "db-driver", envOrDefault("EZID_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	flags.StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("EZID_DB_DSN", "./ezid.db"), "Database DSN or file path for SQLite")
	flags.StringVar(&cfg.secretKey, "secret-key", envOrDefault("EZID_SECRET_KEY", ""), "Master secret key for encrypting credentials at rest (required)")
	flags.StringVar(&cfg.logLevel, "log-level", envOrDefault("EZID_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	flags.StringVar(&cfg.dataDir, "data-dir", envOrDefault("EZID_DATA_DIR", "./data"), "Directory for server data (RSA keys, etc.)")
	flags.BoolVar(&cfg.secureCookies, "secure-cookies", envOrDefault("EZID_SECURE_COOKIES", "false") == "true", "Set Secure flag on auth cookies (enable in production over HTTPS)")

	flags.StringVar(&cfg.bindNoid, "bind-noid", envOrDefault("EZID_BIND_NOID", ""), "NOID minter bind address, recorded in the configuration snapshot; minting uses only each prefix's own minter")
	flags.StringVar(&cfg.ezidBaseURL, "ezid-base-url", envOrDefault("EZID_BASE_URL", "https://ezid.cdlib.org"), "Public base URL this server is reachable at")
	flags.StringSliceVar(&cfg.prefixes, "prefix", nil, `Registered shoulder as "prefix=minterURL" (repeatable), e.g. --prefix "ark:/99999/fk4=https://n2t.net/a/ezid/m/ark/99999/fk4"`)
	flags.StringVar(&cfg.defaultDoiProfile, "default-doi-profile", envOrDefault("EZID_DEFAULT_DOI_PROFILE", "datacite"), "Default metadata profile for DOI identifiers")
	flags.StringVar(&cfg.defaultArkProfile, "default-ark-profile", envOrDefault("EZID_DEFAULT_ARK_PROFILE", "dc"), "Default metadata profile for ARK identifiers")
	flags.StringVar(&cfg.defaultUrnUuidProfile, "default-urn-uuid-profile", envOrDefault("EZID_DEFAULT_URN_UUID_PROFILE", "dc"), "Default metadata profile for URN:UUID identifiers")
	flags.StringVar(&cfg.adminUsername, "admin-username", envOrDefault("EZID_ADMIN_USERNAME", "admin"), "Local username the authorization policy and registration daemon treat as the administrator")
	flags.StringVar(&cfg.adminGroup, "admin-group", envOrDefault("EZID_ADMIN_GROUP", "admin"), "Group the registration daemon writes metadata back under")
	flags.DurationVar(&cfg.statusReportInterval, "status-report-interval", 60*time.Second, "Interval between status snapshot emissions over the monitor websocket")

	flags.BoolVar(&cfg.registrarEnabled, "registrar-enabled", envOrDefault("EZID_REGISTRAR_ENABLED", "false") == "true", "Enable the Crossref-style asynchronous DOI registrar pipeline")
	flags.BoolVar(&cfg.registrarDaemonEnabled, "registrar-daemon-enabled", envOrDefault("EZID_REGISTRAR_DAEMON_ENABLED", "false") == "true", "Run the registration daemon (submit/poll loop) in this process")
	flags.BoolVar(&cfg.registrarDataciteEnabled, "datacite-enabled", envOrDefault("EZID_DATACITE_ENABLED", "false") == "true", "Enable the synchronous DataCite registrar")
	flags.StringVar(&cfg.depositorName, "depositor-name", envOrDefault("EZID_DEPOSITOR_NAME", "CDL"), "Crossref depositor name")
	flags.StringVar(&cfg.depositorEmail, "depositor-email", envOrDefault("EZID_DEPOSITOR_EMAIL", ""), "Crossref depositor email")
	flags.StringVar(&cfg.crossrefRealServer, "crossref-real-server", envOrDefault("EZID_CROSSREF_REAL_SERVER", "https://doi.crossref.org"), "Crossref production submission server")
	flags.StringVar(&cfg.crossrefTestServer, "crossref-test-server", envOrDefault("EZID_CROSSREF_TEST_SERVER", "https://test.crossref.org"), "Crossref test submission server")
	flags.StringVar(&cfg.crossrefDepositURL, "crossref-deposit-url", envOrDefault("EZID_CROSSREF_DEPOSIT_URL", "/servlet/deposit"), "Crossref deposit endpoint path")
	flags.StringVar(&cfg.crossrefResultsURL, "crossref-results-url", envOrDefault("EZID_CROSSREF_RESULTS_URL", "/servlet/submissionDownload"), "Crossref results endpoint path")
	flags.StringVar(&cfg.crossrefUsername, "crossref-username", envOrDefault("EZID_CROSSREF_USERNAME", ""), "Crossref account username")
	flags.StringVar(&cfg.crossrefPassword, "crossref-password", envOrDefault("EZID_CROSSREF_PASSWORD", ""), "Crossref account password")
	flags.DurationVar(&cfg.crossrefIdleSleep, "registrar-idle-sleep", 5*time.Second, "Daemon sleep duration before each queue pass")

	flags.StringVar(&cfg.dataciteBaseURL, "datacite-base-url", envOrDefault("EZID_DATACITE_BASE_URL", "https://mds.datacite.org"), "DataCite MDS base URL")
	flags.StringVar(&cfg.dataciteUsername, "datacite-username", envOrDefault("EZID_DATACITE_USERNAME", ""), "DataCite account username")
	flags.StringVar(&cfg.datacitePassword, "datacite-password", envOrDefault("EZID_DATACITE_PASSWORD", ""), "DataCite account password")

	flags.StringVar(&cfg.identityIssuerURL, "identity-issuer-url", envOrDefault("EZID_IDENTITY_ISSUER_URL", ""), "OIDC issuer URL for the identity directory collaborator")
	flags.StringVar(&cfg.identityUserInfoURL, "identity-userinfo-url", envOrDefault("EZID_IDENTITY_USERINFO_URL", ""), "Identity directory lookup endpoint")
	flags.StringVar(&cfg.identityClientID, "identity-client-id", envOrDefault("EZID_IDENTITY_CLIENT_ID", ""), "OIDC client-credentials client ID for the identity directory")
	flags.StringVar(&cfg.identityClientSecret, "identity-client-secret", envOrDefault("EZID_IDENTITY_CLIENT_SECRET", ""), "OIDC client-credentials client secret for the identity directory")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ezid-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// buildSnapshot assembles a config.Snapshot from the flags currently held
// in cfg. Called once at startup and again, against the same flag values,
// from the /admin/diag-reload handler. Both callers then add any shoulders
// persisted in the settings store (loadPersistedShoulders) whose prefix is
// not already set by a --prefix flag.
func buildSnapshot(cfg *serverConfig, generation uint64) (config.Snapshot, error) {
	prefixes := make(map[string]config.PrefixConfig, len(cfg.prefixes))
	for _, raw := range cfg.prefixes {
		parts := strings.SplitN(raw, "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			return config.Snapshot{}, fmt.Errorf("invalid --prefix entry %q, expected \"prefix=minterURL\"", raw)
		}
		prefixes[parts[0]] = config.PrefixConfig{Prefix: parts[0], Minter: parts[1]}
	}

	return config.Snapshot{
		BindNoid:              cfg.bindNoid,
		EzidBaseURL:           cfg.ezidBaseURL,
		Prefixes:              prefixes,
		DefaultDoiProfile:     cfg.defaultDoiProfile,
		DefaultArkProfile:     cfg.defaultArkProfile,
		DefaultUrnUuidProfile: cfg.defaultUrnUuidProfile,
		LdapAdminUsername:     cfg.adminUsername,
		StatusReportInterval:  cfg.statusReportInterval,
		Registrar: config.RegistrarConfig{
			Enabled:         cfg.registrarEnabled,
			DepositorName:   cfg.depositorName,
			DepositorEmail:  cfg.depositorEmail,
			RealServer:      cfg.crossrefRealServer,
			TestServer:      cfg.crossrefTestServer,
			DepositURL:      cfg.crossrefDepositURL,
			ResultsURL:      cfg.crossrefResultsURL,
			Username:        cfg.crossrefUsername,
			Password:        cfg.crossrefPassword,
			DaemonEnabled:   cfg.registrarDaemonEnabled,
			IdleSleep:       cfg.crossrefIdleSleep,
			DataciteEnabled: cfg.registrarDataciteEnabled,
		},
		Generation: generation,
	}, nil
}

// loadPersistedShoulders reads every "shoulder.<prefix>" setting cmd/ezid-
// admin's create-shoulder command wrote and decodes its minter binding.
// Settings are a minimal "key: value" line format (see
// cmd/ezid-admin/main.go's encodeShoulderSetting) — only the "minter" line
// is needed to populate config.PrefixConfig, the rest is operator metadata.
func loadPersistedShoulders(ctx context.Context, repo repository.SettingsRepository) (map[string]config.PrefixConfig, error) {
	settings, err := repo.GetMany(ctx, "shoulder.")
	if err != nil {
		return nil, fmt.Errorf("loading persisted shoulders: %w", err)
	}

	out := make(map[string]config.PrefixConfig, len(settings))
	for _, s := range settings {
		prefix := strings.TrimPrefix(s.Key, "shoulder.")
		minter := ""
		for _, line := range strings.Split(string(s.Value), "\n") {
			name, value, ok := strings.Cut(line, ":")
			if !ok {
				continue
			}
			if strings.TrimSpace(name) == "minter" {
				minter = strings.TrimSpace(value)
				break
			}
		}
		out[prefix] = config.PrefixConfig{Prefix: prefix, Minter: minter}
	}
	return out, nil
}

func run(ctx context.Context, cfg *serverConfig) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.secretKey == "" {
		return fmt.Errorf("secret key is required — set --secret-key or EZID_SECRET_KEY")
	}

	logger.Info("starting ezid server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Encryption ---
	keyBytes := make([]byte, 32)
	copy(keyBytes, []byte(cfg.secretKey))
	if err := db.InitEncryption(keyBytes); err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}

	// --- 2. Database ---
	gormDB, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// --- 3. Repositories ---
	adminUserRepo := repository.NewAdminUserRepository(gormDB)
	refreshTokenRepo := repository.NewRefreshTokenRepository(gormDB)
	agentRepo := repository.NewAgentRecordRepository(gormDB)
	settingsRepo := repository.NewSettingsRepository(gormDB)

	// --- 4. Admin auth (local accounts only — the public /ezid front door
	// authenticates via HTTP Basic, not JWT) ---
	jwtManager, err := buildJWTManager(cfg.dataDir, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize JWT manager: %w", err)
	}
	localProvider := auth.NewLocalAuthProvider(adminUserRepo, refreshTokenRepo, jwtManager)
	authService := auth.NewService(localProvider, jwtManager)

	// --- 5. Domain collaborators ---
	metaStore := store.New(gormDB)
	locks := lock.New(logger)
	mintClient := minter.New()
	q := queue.New(gormDB)
	policy := authz.DefaultPolicy{AdminUsername: cfg.adminUsername}

	var identityDir *identity.Directory
	if cfg.identityIssuerURL != "" {
		identityDir, err = identity.New(ctx, identity.Config{
			IssuerURL:    cfg.identityIssuerURL,
			UserInfoURL:  cfg.identityUserInfoURL,
			ClientID:     cfg.identityClientID,
			ClientSecret: cfg.identityClientSecret,
		}, agentRepo, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize identity directory: %w", err)
		}
	} else {
		logger.Warn("no identity-issuer-url configured — agent PID resolution will fail for every lookup")
	}

	dataciteClient := datacite.New(datacite.Config{
		BaseURL:  cfg.dataciteBaseURL,
		Username: cfg.dataciteUsername,
		Password: cfg.datacitePassword,
	})

	crossrefClient := crossref.New(crossref.Config{
		RealServer: cfg.crossrefRealServer,
		TestServer: cfg.crossrefTestServer,
		DepositURL: cfg.crossrefDepositURL,
		ResultsURL: cfg.crossrefResultsURL,
		Username:   cfg.crossrefUsername,
		Password:   cfg.crossrefPassword,
	})

	generation := uint64(1)
	initialSnapshot, err := buildSnapshot(cfg, generation)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	persisted, err := loadPersistedShoulders(ctx, settingsRepo)
	if err != nil {
		logger.Warn("failed to load persisted shoulders from settings", zap.Error(err))
	}
	for prefix, pc := range persisted {
		if _, exists := initialSnapshot.Prefixes[prefix]; !exists {
			initialSnapshot.Prefixes[prefix] = pc
		}
	}
	cfgStore := config.NewStore(initialSnapshot)

	coord := coordinator.New(metaStore, locks, mintClient, identityAdapter(identityDir), dataciteClient, q, policy, cfgStore, logger)

	// --- 6. Registration daemon ---
	notifySvc := notify.NewService(notify.Config{SettingsRepo: settingsRepo, Logger: logger})
	regDaemon := daemon.New(q, crossrefClient, coord, identityAdapter(identityDir), notifySvc, cfgStore, cfg.adminUsername, cfg.adminGroup, logger)
	if cfg.registrarDaemonEnabled {
		go func() {
			if err := regDaemon.Run(ctx, cfgStore.Generation()); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("registration daemon stopped with error", zap.Error(err))
			}
		}()
	}

	// --- 7. Status reporter + monitor hub ---
	hub := monitor.NewHub()
	go hub.Run(ctx)

	reporter, err := report.New(report.Config{
		Locks:    locks,
		Datacite: dataciteClient,
		StoreDB:  sqlDB,
		SearchDB: sqlDB,
		Monitor:  hub,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create status reporter: %w", err)
	}
	if err := reporter.Start(cfg.statusReportInterval); err != nil {
		return fmt.Errorf("failed to start status reporter: %w", err)
	}
	defer func() {
		if err := reporter.Stop(); err != nil {
			logger.Warn("status reporter shutdown error", zap.Error(err))
		}
	}()

	// --- 8. HTTP server ---
	reload := func() error {
		next, err := buildSnapshot(cfg, 0)
		if err != nil {
			return err
		}
		persisted, err := loadPersistedShoulders(context.Background(), settingsRepo)
		if err != nil {
			logger.Warn("failed to load persisted shoulders from settings during reload", zap.Error(err))
		}
		for prefix, pc := range persisted {
			if _, exists := next.Prefixes[prefix]; !exists {
				next.Prefixes[prefix] = pc
			}
		}
		snap := cfgStore.Reload(next)
		logger.Info("configuration reloaded", zap.Uint64("generation", snap.Generation))
		return nil
	}

	router := api.NewRouter(api.RouterConfig{
		Coord:    coord,
		Auth:     authService,
		Reporter: reporter,
		Hub:      hub,
		Reload:   reload,
		Logger:   logger,
		Secure:   cfg.secureCookies,
	})

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down ezid server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("ezid server stopped")
	return nil
}

// identityAdapter returns dir's GetAgent/GetUserId/GetEmail surface, or a
// nopIdentity stub whose GetAgent/GetUserId fail (and whose GetEmail returns
// "") when no identity directory was
// configured (spec.md §1 treats the directory as an optional external
// collaborator — a server with none configured still mints and resolves
// anonymous-owner identifiers, it simply cannot resolve agent PIDs).
func identityAdapter(dir *identity.Directory) nopIdentity {
	if dir == nil {
		return nopIdentity{}
	}
	return nopIdentity{dir: dir}
}

type nopIdentity struct {
	dir *identity.Directory
}

func (n nopIdentity) GetAgent(ctx context.Context, pid string) (string, string, error) {
	if n.dir == nil {
		return "", "", fmt.Errorf("identity: no directory configured")
	}
	return n.dir.GetAgent(ctx, pid)
}

func (n nopIdentity) GetUserId(ctx context.Context, localName string) (string, error) {
	if n.dir == nil {
		return "", fmt.Errorf("identity: no directory configured")
	}
	return n.dir.GetUserId(ctx, localName)
}

func (n nopIdentity) GetEmail(ctx context.Context, pid string) (string, error) {
	if n.dir == nil {
		return "", nil
	}
	return n.dir.GetEmail(ctx, pid)
}

// buildJWTManager loads RSA keys from the data directory if available,
// or generates ephemeral in-memory keys for development.
func buildJWTManager(dataDir string, logger *zap.Logger) (*auth.JWTManager, error) {
	privPath := filepath.Join(dataDir, "jwt_private.pem")
	pubPath := filepath.Join(dataDir, "jwt_public.pem")

	if _, err := os.Stat(privPath); err == nil {
		logger.Info("loading JWT keys from disk", zap.String("private", privPath))
		return auth.NewJWTManagerFromFiles(privPath, pubPath, "ezid-server")
	}

	logger.Warn("JWT key files not found — using ephemeral in-memory keys (tokens will be invalidated on restart)",
		zap.String("expected_private", privPath),
	)
	return auth.NewJWTManagerGenerated("ezid-server")
}

// gormLogLevel maps the application log level string to a GORM logger level.
func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
