// Package main implements ezid-admin, an operator CLI for administrative
// tasks cmd/ezid-server does not expose over HTTP. Its one subcommand today,
// "shoulder create", registers a new ARK or DOI shoulder (spec.md §6
// "Prefixes block"): it validates the NAAN/shoulder pair, computes the
// prefix string (and, for a DOI shoulder, its shadow ARK per
// internal/identifier.Doi2Shadow), and persists prefix -> minter as a
// namespaced row in the settings store so ezid-server picks it up on its
// next restart or /admin/diag-reload.
//
// Grounded on the teacher's cmd/server/main.go for the cobra command
// structure (root command, persistent flags, envOrDefault) and on
// original_source/ezidapp/management/commands/create-shoulder.py for the
// domain semantics (NAAN validation, ARK-vs-DOI prefix construction, DOI
// shadow ARK, "restart to activate" operator message).
package main

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/cdlib/ezidcore/internal/db"
	"github.com/cdlib/ezidcore/internal/identifier"
	"github.com/cdlib/ezidcore/internal/repository"
)

const shoulderSettingPrefix = "shoulder."

var (
	arkNaanRE = regexp.MustCompile(`^\d{5}$`)
	doiNaanRE = regexp.MustCompile(`^[a-z0-9]\d{4}$`)
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var dbDriver, dbDSN, secretKey string

	root := &cobra.Command{
		Use:   "ezid-admin",
		Short: "ezid-admin — operator CLI for the ezid-server database",
	}
	root.PersistentFlags().StringVar(&dbDriver, "db-driver", envOrDefault("EZID_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&dbDSN, "db-dsn", envOrDefault("EZID_DB_DSN", "./ezid.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&secretKey, "secret-key", envOrDefault("EZID_SECRET_KEY", ""), "Master secret key — must match the value used by ezid-server")

	root.AddCommand(newShoulderCmd(&dbDriver, &dbDSN, &secretKey))
	return root
}

func newShoulderCmd(dbDriver, dbDSN, secretKey *string) *cobra.Command {
	shoulder := &cobra.Command{
		Use:   "shoulder",
		Short: "Manage registered ARK/DOI shoulders",
	}
	shoulder.AddCommand(newShoulderCreateCmd(dbDriver, dbDSN, secretKey))
	return shoulder
}

func newShoulderCreateCmd(dbDriver, dbDSN, secretKey *string) *cobra.Command {
	var (
		isDoi           bool
		isCrossref      bool
		datacenter      string
		isSuperShoulder bool
		isTest          bool
		minter          string
	)

	cmd := &cobra.Command{
		Use:   "create <naan> <shoulder> <name>",
		Short: "Register a new ARK or DOI shoulder",
		Long: `Registers a new shoulder's prefix->minter mapping in the settings
store. The server must be restarted, or have /admin/diag-reload called,
before the new shoulder becomes mintable.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShoulderCreate(shoulderCreateOpts{
				dbDriver:        *dbDriver,
				dbDSN:           *dbDSN,
				secretKey:       *secretKey,
				naan:            args[0],
				shoulderStr:     args[1],
				name:            args[2],
				isDoi:           isDoi,
				isCrossref:      isCrossref,
				datacenter:      datacenter,
				isSuperShoulder: isSuperShoulder,
				isTest:          isTest,
				minter:          minter,
			})
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&isDoi, "doi", false, "Create a DOI shoulder (ARK is created by default)")
	flags.BoolVar(&isCrossref, "crossref", false, "DOI is registered with Crossref (mutually exclusive with --datacite)")
	flags.StringVar(&datacenter, "datacite", "", "DOI is registered with DataCite, under this datacenter name")
	flags.BoolVar(&isSuperShoulder, "super-shoulder", false, "Set the super-shoulder flag")
	flags.BoolVar(&isTest, "test", false, "Mark the shoulder as non-persistent/test")
	flags.StringVar(&minter, "minter", "", "NOID minter server URL to bind the new shoulder to (required)")

	return cmd
}

type shoulderCreateOpts struct {
	dbDriver, dbDSN, secretKey string
	naan, shoulderStr, name    string
	isDoi, isCrossref          bool
	datacenter                 string
	isSuperShoulder, isTest    bool
	minter                     string
}

func runShoulderCreate(opt shoulderCreateOpts) error {
	if opt.minter == "" {
		return fmt.Errorf("--minter is required")
	}
	if opt.isDoi && !opt.isCrossref && opt.datacenter == "" {
		return fmt.Errorf("a DOI shoulder requires either --crossref or --datacite=<datacenter>")
	}
	if opt.isCrossref && opt.datacenter != "" {
		return fmt.Errorf("--crossref and --datacite are mutually exclusive")
	}

	prefix, noid, err := buildPrefix(opt.naan, opt.shoulderStr, opt.isDoi)
	if err != nil {
		return err
	}

	if opt.secretKey == "" {
		return fmt.Errorf(
			"--secret-key (or EZID_SECRET_KEY) is required\n" +
				"  Set it to the same value used by ezid-server, otherwise settings\n" +
				"  written by this command will be unreadable at server startup.",
		)
	}

	keyBytes := make([]byte, 32)
	copy(keyBytes, []byte(opt.secretKey))
	if err := db.InitEncryption(keyBytes); err != nil {
		return fmt.Errorf("init encryption: %w", err)
	}

	logger, _ := zap.NewDevelopment()

	database, err := db.New(db.Config{
		Driver:   opt.dbDriver,
		DSN:      opt.dbDSN,
		Logger:   logger,
		LogLevel: gormlogger.Silent,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	settingsRepo := repository.NewSettingsRepository(database)

	kind := "ARK"
	if opt.isDoi {
		kind = "DOI"
	}
	fmt.Printf("Creating %s shoulder: %s (%s)...\n", kind, prefix, opt.name)

	value := encodeShoulderSetting(shoulderSetting{
		Name:           opt.name,
		Minter:         opt.minter,
		Noid:           noid,
		Kind:           kind,
		SuperShoulder:  opt.isSuperShoulder,
		Test:           opt.isTest,
		Crossref:       opt.isCrossref,
		Datacenter:     opt.datacenter,
		RegisteredDate: time.Now().UTC().Format("2006-01-02"),
	})

	if err := settingsRepo.Set(context.Background(), shoulderSettingPrefix+prefix, db.EncryptedString(value)); err != nil {
		return fmt.Errorf("write shoulder setting: %w", err)
	}

	fmt.Printf("Shoulder created successfully. Restart ezid-server (or call /admin/diag-reload) to activate.\n")
	fmt.Printf("  Prefix: %s\n", prefix)
	fmt.Printf("  Minter: %s\n", opt.minter)
	return nil
}

// buildPrefix validates the naan/shoulder pair and returns the prefix
// string ("ark:/NAAN/shoulder" or "doi:10.NAAN/SHOULDER") plus the NOID
// path ("NAAN/shoulder") the minter is bound under. DOI shoulders are
// minted under their shadow ARK's NAAN/shoulder, matching the original
// create-shoulder command's "shadow_str.split('/')" step.
func buildPrefix(naan, shoulder string, isDoi bool) (prefix, noid string, err error) {
	if isDoi {
		shadow, err := identifier.Doi2Shadow("doi:10." + naan + "/" + strings.ToUpper(shoulder))
		if err != nil {
			return "", "", fmt.Errorf("invalid doi shoulder: %w", err)
		}
		shadowNaan, shadowName, _ := strings.Cut(strings.TrimPrefix(shadow, "ark:/"), "/")
		if !doiNaanRE.MatchString(shadowNaan) {
			return "", "", fmt.Errorf("NAAN for a DOI must be 5 digits, or one lowercase letter and 4 digits: got %q", naan)
		}
		return "doi:10." + naan + "/" + strings.ToUpper(shoulder), shadowNaan + "/" + shadowName, nil
	}

	if !arkNaanRE.MatchString(naan) {
		return "", "", fmt.Errorf("NAAN for an ARK must be 5 digits: got %q", naan)
	}
	noid = naan + "/" + shoulder
	return "ark:/" + noid, noid, nil
}

// shoulderSetting is the value persisted under "shoulder.<prefix>" in the
// settings store (spec.md §6 "Prefixes block"), read back by ezid-server at
// startup/reload and merged into config.Snapshot.Prefixes.
type shoulderSetting struct {
	Name           string
	Minter         string
	Noid           string
	Kind           string
	SuperShoulder  bool
	Test           bool
	Crossref       bool
	Datacenter     string
	RegisteredDate string
}

// encodeShoulderSetting renders a shoulderSetting as ANVL-style "key: value"
// lines — the same minimal line-oriented convention spec.md §6 uses for
// every other configuration block, so an operator can read a shoulder
// setting's raw value without a JSON decoder.
func encodeShoulderSetting(s shoulderSetting) string {
	var b strings.Builder
	fmt.Fprintf(&b, "name: %s\n", s.Name)
	fmt.Fprintf(&b, "minter: %s\n", s.Minter)
	fmt.Fprintf(&b, "noid: %s\n", s.Noid)
	fmt.Fprintf(&b, "type: %s\n", s.Kind)
	fmt.Fprintf(&b, "super_shoulder: %t\n", s.SuperShoulder)
	fmt.Fprintf(&b, "test: %t\n", s.Test)
	fmt.Fprintf(&b, "crossref: %t\n", s.Crossref)
	if s.Datacenter != "" {
		fmt.Fprintf(&b, "datacenter: %s\n", s.Datacenter)
	}
	fmt.Fprintf(&b, "date: %s\n", s.RegisteredDate)
	return b.String()
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
