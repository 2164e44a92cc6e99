package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_DATA_HOME", dir)

	c, rest, err := Load("vaultctl", []string{"list", "--category", "Work"})
	require.NoError(t, err)
	require.Equal(t, []string{"list", "--category", "Work"}, rest)

	require.Equal(t, filepath.Join(dir, "vaultkeeper"), c.DataDir)
	require.Equal(t, filepath.Join(dir, "vaultkeeper", "vaults"), c.VaultDir)
	require.Equal(t, filepath.Join(dir, "vaultkeeper", "backups"), c.BackupDir)
	require.Equal(t, filepath.Join(dir, "vaultkeeper", "auth_attempts.json"), c.AttemptsFile)
	require.Equal(t, 5, c.MaxBackups)
	require.Equal(t, 5, c.MaxAttempts)
	require.Equal(t, 300*time.Second, c.LockoutTime)
	require.Equal(t, uint32(102400), c.KDF.MemoryCost)
}

func TestLoad_FileThenFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vaultkeeper.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: `+dir+`
max_backups: 3
lockout_time: 1m
kdf:
  memory_cost: 65536
`), 0o600))

	c, rest, err := Load("vaultctl", []string{"--config", path, "--max-backups", "7", "status"})
	require.NoError(t, err)
	require.Equal(t, []string{"status"}, rest)
	require.Equal(t, dir, c.DataDir)
	require.Equal(t, 7, c.MaxBackups, "flag wins over file")
	require.Equal(t, time.Minute, c.LockoutTime, "file wins over default")
	require.Equal(t, uint32(65536), c.KDF.MemoryCost)
	require.Equal(t, uint32(3), c.KDF.TimeCost, "unset kdf keys keep defaults")
}

func TestLoad_Errors(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	_, _, err := Load("vaultctl", []string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})
	require.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("no_such_key: 1\n"), 0o600))
	_, _, err = Load("vaultctl", []string{"--config", bad})
	require.Error(t, err)

	_, _, err = Load("vaultctl", []string{"--max-attempts", "0"})
	require.ErrorContains(t, err, "max_attempts")

	_, _, err = Load("vaultctl", []string{"--kdf-memory", "1"})
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	c := Default()
	c.DataDir = "/tmp/x"
	c.setDefaults()
	require.NoError(t, c.Validate())

	c.AutoLock = -time.Second
	require.Error(t, c.Validate())

	c = Default()
	c.DataDir = ""
	require.Error(t, c.Validate())
}
