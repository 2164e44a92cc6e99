// Command vaultctl manages local encrypted password vaults.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/and161185/vaultkeeper/internal/backup"
	"github.com/and161185/vaultkeeper/internal/config"
	"github.com/and161185/vaultkeeper/internal/errs"
	"github.com/and161185/vaultkeeper/internal/migrate"
	"github.com/and161185/vaultkeeper/internal/repository"
	"github.com/and161185/vaultkeeper/internal/repository/file"
	"github.com/and161185/vaultkeeper/internal/repository/postgres"
	"github.com/and161185/vaultkeeper/internal/secmem"
	"github.com/and161185/vaultkeeper/internal/service"
	"github.com/and161185/vaultkeeper/internal/throttle"
	"github.com/and161185/vaultkeeper/internal/vault"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// Exit codes.
const (
	exitOK      = 0
	exitError   = 1
	exitUsage   = 2
	exitLocked  = 3
	exitAuth    = 4
	exitInvalid = 5
)

func usage(w io.Writer) {
	fmt.Fprint(w, `vaultctl - local encrypted password vault

Usage:
  vaultctl [global flags] <command> [flags] [args]

Commands:
  version
  status        -u <identity>                 vault and lockout status
  list          -u <identity> [-s text] [-c category]
  show          -u <identity> [--reveal] <service>
  add           -u <identity> --service S [--login L] [--password P | --generate]
                [--category C] [--url U] [--email E] [--phone P] [--notes N]
  rm            -u <identity> <service>
  categories    -u <identity>
  add-category  -u <identity> <name>
  passwd        -u <identity>                 change the PIN
  rename        -u <identity> --to <identity>
  backups       -u <identity>
  restore       -u <identity> [--ts unix]     newest snapshot when --ts is omitted
  shell         -u <identity>                 interactive session with idle auto-lock
  gen           [--length N] [--symbols]

The PIN is read from the terminal without echo, or from VAULTKEEPER_PIN
(and VAULTKEEPER_NEW_PIN for passwd), or one line per prompt from stdin.

Global flags:
`)
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// app carries what every subcommand needs.
type app struct {
	cfg    config.Config
	log    *zap.Logger
	keeper service.Keeper
	in     *prompter
	out    io.Writer
	errw   io.Writer
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cfg, rest, err := config.Load("vaultctl", args)
	if errors.Is(err, pflag.ErrHelp) {
		usage(stderr)
		printGlobalFlags(stderr)
		return exitUsage
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	if len(rest) == 0 {
		usage(stderr)
		printGlobalFlags(stderr)
		return exitUsage
	}

	logger, err := newLogger(cfg.Debug)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	defer func() { _ = logger.Sync() }()

	secmem.CatchInterrupt()
	defer secmem.Purge()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, cmdArgs := rest[0], rest[1:]
	if cmd == "version" {
		fmt.Fprintf(stdout, "vaultctl %s (%s)\n", version, buildDate)
		return exitOK
	}
	if cmd == "gen" {
		return fail(stderr, cmdGen(cmdArgs, stdout))
	}

	repo, closeRepo, err := attemptRepo(ctx, cfg, logger)
	if err != nil {
		return fail(stderr, err)
	}
	defer closeRepo()

	vopts := vault.Options{
		Dir: cfg.VaultDir,
		KDF: cfg.KDF,
		Backups: backup.New(cfg.BackupDir,
			backup.WithMax(cfg.MaxBackups),
			backup.WithLogger(logger)),
		Logger: logger,
	}
	thr := throttle.New(repo,
		throttle.WithMaxAttempts(cfg.MaxAttempts),
		throttle.WithLockout(cfg.LockoutTime),
		throttle.WithLogger(logger))

	a := &app{
		cfg:    cfg,
		log:    logger,
		keeper: service.NewKeeper(vopts, thr, cfg.DeriveTimeout, logger),
		in:     newPrompter(stdin, stderr),
		out:    stdout,
		errw:   stderr,
	}

	h, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		usage(stderr)
		return exitUsage
	}
	return fail(stderr, h(ctx, a, cmdArgs))
}

func printGlobalFlags(w io.Writer) {
	fs := pflag.NewFlagSet("vaultctl", pflag.ContinueOnError)
	fs.String("config", "", "YAML configuration file")
	c := config.Default()
	c.BindFlags(fs)
	fs.SetOutput(w)
	fs.PrintDefaults()
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return zc.Build()
}

// attemptRepo selects the throttle store: Postgres when a DSN is
// configured, the JSON file otherwise.
func attemptRepo(ctx context.Context, cfg config.Config, log *zap.Logger) (repository.AttemptRepository, func(), error) {
	if cfg.PostgresDSN == "" {
		return file.NewAttemptRepo(cfg.AttemptsFile, log), func() {}, nil
	}
	if err := migrate.Up(ctx, cfg.PostgresDSN); err != nil {
		return nil, nil, err
	}
	db, err := postgres.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: %w", err)
	}
	return postgres.NewAttemptRepo(db), db.Close, nil
}

// fail prints err and maps it to an exit code.
func fail(w io.Writer, err error) int {
	if err == nil {
		return exitOK
	}
	var le *errs.LockoutError
	switch {
	case errors.Is(err, pflag.ErrHelp):
		return exitUsage
	case errors.As(err, &le):
		fmt.Fprintf(w, "locked: too many failed attempts, retry in %s\n", le.Remaining.Round(time.Second))
		return exitLocked
	case errors.Is(err, errs.ErrBackupKey):
		fmt.Fprintf(w, "%v\nthe snapshot was sealed under an earlier PIN and cannot be opened with the current one\n", err)
		return exitError
	case errors.Is(err, errs.ErrUnreadable):
		fmt.Fprintf(w, "%v\nrestore a snapshot, or move the vault file aside to start over\n", err)
		return exitError
	case errors.Is(err, errs.ErrIntegrity):
		fmt.Fprintln(w, "wrong identity or PIN, or the vault file was modified")
		return exitAuth
	case errors.Is(err, errs.ErrValidation):
		fmt.Fprintln(w, err)
		return exitInvalid
	}
	fmt.Fprintln(w, err)
	return exitError
}
