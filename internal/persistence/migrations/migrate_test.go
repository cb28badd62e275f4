package migrations

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/stretchr/testify/require"

	dbmigrations "github.com/coachpo/meltica-trader/db/migrations"
)

func TestResolveDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db", "migrations")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	resolved, err := resolveDir(dir)
	require.NoError(t, err)
	require.True(t, filepath.IsAbs(resolved))
	require.Equal(t, filepath.Clean(resolved), resolved)

	_, err = resolveDir(filepath.Join(t.TempDir(), "missing"))
	require.ErrorIs(t, err, fs.ErrNotExist)

	file := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("data"), 0o600))
	_, err = resolveDir(file)
	require.ErrorIs(t, err, errNotDirectory)
}

func TestFileURL(t *testing.T) {
	for _, path := range []string{"/tmp/migrations", "C:/tmp/migrations"} {
		got := fileURL(path)
		require.True(t, strings.HasPrefix(got, "file:///"), got)
		require.Greater(t, len(got), len("file:///"))
	}
}

func TestValidationHappensBeforeConnecting(t *testing.T) {
	ctx := context.Background()
	err := Apply(ctx, "postgresql://invalid", "does-not-exist", nil)
	require.ErrorIs(t, err, fs.ErrNotExist)

	err = Rollback(ctx, "postgresql://invalid", "still-missing", 1, nil)
	require.ErrorIs(t, err, fs.ErrNotExist)

	err = Rollback(ctx, "postgresql://invalid", Embedded, 0, nil)
	require.ErrorIs(t, err, errInvalidSteps)
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(dbmigrations.Files, ".")
	require.NoError(t, err)
	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}
	require.NotEmpty(t, ups)
	require.Equal(t, ups, downs)
}

// memoryDriver records what migrate runs against it.
type memoryDriver struct {
	version int
	dirty   bool
	ran     []string
}

func (d *memoryDriver) Open(string) (database.Driver, error) { return d, nil }
func (d *memoryDriver) Close() error                          { return nil }
func (d *memoryDriver) Lock() error                           { return nil }
func (d *memoryDriver) Unlock() error                         { return nil }
func (d *memoryDriver) Drop() error                           { return nil }

func (d *memoryDriver) Run(migration io.Reader) error {
	raw, err := io.ReadAll(migration)
	if err != nil {
		return err
	}
	d.ran = append(d.ran, string(raw))
	return nil
}

func (d *memoryDriver) SetVersion(version int, dirty bool) error {
	d.version, d.dirty = version, dirty
	return nil
}

func (d *memoryDriver) Version() (int, bool, error) { return d.version, d.dirty, nil }

func TestEmbeddedMigrationsRunAgainstAnyDriver(t *testing.T) {
	driver := &memoryDriver{version: database.NilVersion}
	m, err := newMigrate("", driver)
	require.NoError(t, err)
	require.NoError(t, m.Up())
	require.Len(t, driver.ran, 1)
	require.Contains(t, driver.ran[0], "CREATE TABLE")
	require.Equal(t, 1, driver.version)
	require.False(t, driver.dirty)
	require.ErrorIs(t, m.Up(), migrate.ErrNoChange)
}
