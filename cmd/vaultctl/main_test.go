package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/vaultkeeper/internal/errs"
)

type cli struct {
	t   *testing.T
	dir string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	t.Setenv(envPIN, "")
	t.Setenv(envNewPIN, "")
	return &cli{t: t, dir: t.TempDir()}
}

// run executes vaultctl against the test data dir with a cheap KDF and a
// two-attempt lockout.
func (c *cli) run(stdin string, args ...string) (code int, stdout, stderr string) {
	c.t.Helper()
	base := []string{
		"--data-dir", c.dir,
		"--kdf-memory", "64", "--kdf-time", "1", "--kdf-parallelism", "1",
		"--max-attempts", "2", "--lockout", "1h",
	}
	var out, errb bytes.Buffer
	code = run(context.Background(), append(base, args...), strings.NewReader(stdin), &out, &errb)
	return code, out.String(), errb.String()
}

func (c *cli) ok(stdin string, args ...string) string {
	c.t.Helper()
	code, out, errOut := c.run(stdin, args...)
	if code != exitOK {
		c.t.Fatalf("vaultctl %v: exit %d, stderr: %s", args, code, errOut)
	}
	return out
}

func TestRun_VersionAndUsage(t *testing.T) {
	c := newCLI(t)

	out := c.ok("", "version")
	require.Contains(t, out, "vaultctl "+version)

	code, _, errOut := c.run("")
	require.Equal(t, exitUsage, code)
	require.Contains(t, errOut, "Commands:")

	code, _, errOut = c.run("", "frobnicate")
	require.Equal(t, exitUsage, code)
	require.Contains(t, errOut, `unknown command "frobnicate"`)
}

func TestRun_Gen(t *testing.T) {
	c := newCLI(t)

	out := c.ok("", "gen", "--length", "20", "--symbols")
	pw, label, found := strings.Cut(strings.TrimSpace(out), "\t")
	require.True(t, found, out)
	require.Len(t, pw, 20)
	require.NotEmpty(t, label)

	code, _, _ := c.run("", "gen", "--length", "2")
	require.Equal(t, exitInvalid, code)
}

func TestRun_EntryLifecycle(t *testing.T) {
	c := newCLI(t)

	_, _, errOut := c.run("1234\n1234\n", "add", "-u", "alice", "--service", "github", "--login", "me", "--password", "s3cret", "--url", "https://github.com")
	require.Contains(t, errOut, "a new one will be created")
	require.Contains(t, errOut, `saved "github"`)

	require.Contains(t, c.ok("1234\n", "list", "-u", "alice"), "github")

	out := c.ok("1234\n", "show", "-u", "alice", "github")
	require.Contains(t, out, `"password": "********"`)
	require.Contains(t, out, `"url": "https://github.com"`)
	require.Contains(t, c.ok("1234\n", "show", "-u", "alice", "--reveal", "github"), "s3cret")

	c.ok("1234\n", "add-category", "-u", "alice", "Work")
	cats := c.ok("1234\n", "categories", "-u", "alice")
	require.Contains(t, cats, "Uncategorized")
	require.Contains(t, cats, "Work")

	c.ok("1234\n", "rm", "-u", "alice", "github")
	require.NotContains(t, c.ok("1234\n", "list", "-u", "alice"), "github")

	code, _, _ := c.run("1234\n", "show", "-u", "alice", "github")
	require.Equal(t, exitError, code)

	backups := c.ok("1234\n", "backups", "-u", "alice")
	require.Contains(t, backups, "alice_backup_")

	c.ok("1234\n", "restore", "-u", "alice")
	require.Contains(t, c.ok("1234\n", "list", "-u", "alice"), "github", "newest snapshot predates the removal")
}

func TestRun_AddValidation(t *testing.T) {
	c := newCLI(t)

	code, _, errOut := c.run("1234\n4321\n", "add", "-u", "alice", "--service", "x", "--password", "p")
	require.Equal(t, exitInvalid, code)
	require.Contains(t, errOut, "do not match")

	code, _, errOut = c.run("1234\n1234\n", "add", "-u", "alice", "--service", "x", "--password", "p", "--email", "nope")
	require.Equal(t, exitInvalid, code)
	require.Contains(t, errOut, "email")

	code, _, _ = c.run("", "list")
	require.Equal(t, exitInvalid, code, "missing -u")
}

func TestRun_WrongPINLocksOut(t *testing.T) {
	c := newCLI(t)
	c.ok("1234\n1234\n", "add", "-u", "alice", "--service", "github", "--password", "pw")

	code, _, errOut := c.run("0000\n", "list", "-u", "alice")
	require.Equal(t, exitAuth, code)
	require.Contains(t, errOut, "wrong identity or PIN")

	code, _, errOut = c.run("0000\n", "list", "-u", "alice")
	require.Equal(t, exitLocked, code)
	require.Contains(t, errOut, "retry in")

	code, _, _ = c.run("1234\n", "list", "-u", "alice")
	require.Equal(t, exitLocked, code, "the right PIN is refused during lockout")

	out := c.ok("", "status", "-u", "alice")
	require.Contains(t, out, `"allowed": false`)
	require.Contains(t, out, `"vault_exists": true`)

	out = c.ok("", "status", "-u", "bob")
	require.Contains(t, out, `"allowed": true`, "lockout is per identity")
}

func TestRun_PasswdAndRename(t *testing.T) {
	c := newCLI(t)
	c.ok("1234\n1234\n", "add", "-u", "alice", "--service", "github", "--password", "pw")

	c.ok("1234\n9999\n9999\n", "passwd", "-u", "alice")
	code, _, _ := c.run("1234\n", "list", "-u", "alice")
	require.Equal(t, exitAuth, code)
	require.Contains(t, c.ok("9999\n", "list", "-u", "alice"), "github")

	c.ok("9999\n", "rename", "-u", "alice", "--to", "bob")
	require.Contains(t, c.ok("", "status", "-u", "alice"), `"vault_exists": false`)
	require.Contains(t, c.ok("", "status", "-u", "bob"), `"vault_exists": true`)
	require.Contains(t, c.ok("9999\n", "list", "-u", "bob"), "github")

	code, _, _ = c.run("9999\n", "rename", "-u", "bob", "--to", "../evil")
	require.Equal(t, exitInvalid, code)
}

func TestRun_RestoreSnapshotFromEarlierPIN(t *testing.T) {
	c := newCLI(t)
	c.ok("1234\n1234\n", "add", "-u", "alice", "--service", "a", "--password", "pw")
	c.ok("1234\n", "add", "-u", "alice", "--service", "b", "--password", "pw")
	lines := strings.Split(strings.TrimSpace(c.ok("1234\n", "backups", "-u", "alice")), "\n")
	require.Len(t, lines, 2, "header and one snapshot")
	old := strings.Fields(lines[1])[0]

	c.ok("1234\n9999\n9999\n", "passwd", "-u", "alice")
	code, _, errOut := c.run("9999\n", "restore", "-u", "alice", "--ts", old)
	require.Equal(t, exitError, code)
	require.Contains(t, errOut, "earlier PIN")
	require.NotContains(t, errOut, "wrong identity or PIN")
}

func TestRun_TornVault(t *testing.T) {
	c := newCLI(t)
	c.ok("1234\n1234\n", "add", "-u", "alice", "--service", "a", "--password", "pw")
	c.ok("1234\n", "add", "-u", "alice", "--service", "b", "--password", "pw")

	path := filepath.Join(c.dir, "vaults", "alice.vault")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw[:len(raw)/2], 0o600))

	code, _, _ := c.run("0000\n", "quarantine", "-u", "alice")
	require.Equal(t, exitAuth, code)
	require.FileExists(t, path, "a wrong PIN cannot move the file aside")

	_, _, errOut := c.run("1234\n", "list", "-u", "alice")
	require.Contains(t, errOut, "unreadable")

	c.ok("1234\n", "restore", "-u", "alice")
	require.Contains(t, c.ok("1234\n", "show", "-u", "alice", "a"), `"service": "a"`)
}

func TestRun_Shell(t *testing.T) {
	c := newCLI(t)
	c.ok("1234\n1234\n", "add", "-u", "alice", "--service", "github", "--login", "octo", "--password", "pw")

	out := c.ok("1234\nlist\nshow github\ncategories\nquit\n", "--auto-lock", "0", "shell", "-u", "alice")
	require.Contains(t, out, "SERVICE")
	require.Contains(t, out, `"login": "octo"`)
	require.Contains(t, out, "Uncategorized")
}

func TestRun_ShellAutoLock(t *testing.T) {
	c := newCLI(t)
	c.ok("1234\n1234\n", "add", "-u", "alice", "--service", "github", "--password", "pw")

	// the second line arrives after the idle timeout
	stdin := &slowReader{first: "1234\n", rest: "list\n", delay: 300 * time.Millisecond}
	var out, errb bytes.Buffer
	args := []string{
		"--data-dir", c.dir, "--kdf-memory", "64", "--kdf-time", "1", "--kdf-parallelism", "1",
		"--auto-lock", "50ms", "shell", "-u", "alice",
	}
	code := run(context.Background(), args, stdin, &out, &errb)
	require.Equal(t, exitError, code)
	require.Contains(t, errb.String(), "locked after inactivity")
	require.NotContains(t, out.String(), "github")
}

// slowReader yields first immediately and rest after delay.
type slowReader struct {
	first, rest string
	delay       time.Duration
	step        int
}

func (r *slowReader) Read(p []byte) (int, error) {
	switch r.step {
	case 0:
		r.step++
		return copy(p, r.first), nil
	case 1:
		r.step++
		time.Sleep(r.delay)
		return copy(p, r.rest), nil
	}
	return 0, io.EOF
}

func TestFail(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		code int
		msg  string
	}{
		{nil, exitOK, ""},
		{&errs.LockoutError{Remaining: 90 * time.Second}, exitLocked, "retry in 1m30s"},
		{fmt.Errorf("authentication failed: %w", errs.ErrIntegrity), exitAuth, "wrong identity or PIN"},
		{&errs.ValidationError{Field: "service", Reason: "required"}, exitInvalid, "service"},
		{fmt.Errorf("%w: alice_backup_1.vault", errs.ErrBackupKey), exitError, "earlier PIN"},
		{fmt.Errorf("open vault: %w", errs.ErrUnreadable), exitError, "move the vault file aside"},
		{errs.IO("write", errors.New("disk full")), exitError, "disk full"},
	}
	for _, tt := range tests {
		var b bytes.Buffer
		require.Equal(t, tt.code, fail(&b, tt.err), "%v", tt.err)
		require.Contains(t, b.String(), tt.msg)
	}
}
