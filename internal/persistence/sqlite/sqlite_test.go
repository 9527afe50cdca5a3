package sqlite

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_AppliesPragmas(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "p.db"), DefaultConfig())
	require.NoError(t, err)
	defer db.Close()

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var fk int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestMigrate_IsIncremental(t *testing.T) {
	ctx := context.Background()
	db, err := Open(filepath.Join(t.TempDir(), "m.db"), DefaultConfig())
	require.NoError(t, err)
	defer db.Close()

	v1 := []string{`CREATE TABLE a (id TEXT PRIMARY KEY);`}
	require.NoError(t, Migrate(ctx, db, v1))
	require.NoError(t, Migrate(ctx, db, v1), "re-running is a no-op")

	v2 := append(v1, `ALTER TABLE a ADD COLUMN note TEXT;`)
	require.NoError(t, Migrate(ctx, db, v2))

	var version int
	require.NoError(t, db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, 2, version)

	_, err = db.Exec(`INSERT INTO a (id, note) VALUES ('x', 'y')`)
	assert.NoError(t, err)
}

func TestMigrate_FailedStepRollsBack(t *testing.T) {
	ctx := context.Background()
	db, err := Open(filepath.Join(t.TempDir(), "f.db"), DefaultConfig())
	require.NoError(t, err)
	defer db.Close()

	err = Migrate(ctx, db, []string{`CREATE TABLE ok (id TEXT);`, `NOT SQL AT ALL`})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migration 2")

	var version int
	require.NoError(t, db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, 1, version)
}

func TestVerifyIntegrity_DetectsCorruption(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "corruptible.sqlite")

	db, err := Open(dbPath, DefaultConfig())
	require.NoError(t, err)
	_, err = db.Exec("CREATE TABLE test (id INTEGER PRIMARY KEY, data TEXT);")
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		_, err = db.Exec("INSERT INTO test (data) VALUES (?)", string(make([]byte, 100)))
		require.NoError(t, err)
	}
	_, err = db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	issues, err := VerifyIntegrity(ctx, dbPath, ModeQuick)
	require.NoError(t, err)
	require.Nil(t, issues)

	f, err := os.OpenFile(dbPath, os.O_RDWR, 0o600)
	require.NoError(t, err)
	garbage := make([]byte, 100)
	_, _ = rand.Read(garbage)
	_, err = f.WriteAt(garbage, 4096)
	require.NoError(t, f.Close())
	require.NoError(t, err)

	issues, err = VerifyIntegrity(ctx, dbPath, ModeFull)
	if err != nil {
		// a header-level hit can make the pragma itself fail; both count as detection
		return
	}
	assert.NotEmpty(t, issues)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode(" FULL ")
	require.NoError(t, err)
	assert.Equal(t, ModeFull, m)

	m, err = ParseMode("quick")
	require.NoError(t, err)
	assert.Equal(t, ModeQuick, m)

	_, err = ParseMode("deep")
	require.Error(t, err)
}

func TestVerifyIntegrity_FullReportsForeignKeyViolations(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "fk.sqlite")

	// one connection so the pragma below sticks for the inserts
	db, err := Open(dbPath, Config{BusyTimeout: time.Second, MaxOpenConns: 1})
	require.NoError(t, err)
	for _, stmt := range []string{
		"PRAGMA foreign_keys = OFF",
		"CREATE TABLE parent (id INTEGER PRIMARY KEY)",
		"CREATE TABLE child (id INTEGER PRIMARY KEY, parent_id INTEGER REFERENCES parent(id))",
		"INSERT INTO child (id, parent_id) VALUES (1, 42)",
	} {
		_, err = db.Exec(stmt)
		require.NoError(t, err, stmt)
	}
	require.NoError(t, db.Close())

	issues, err := VerifyIntegrity(ctx, dbPath, ModeQuick)
	require.NoError(t, err)
	assert.Nil(t, issues, "quick mode checks structure only")

	issues, err = VerifyIntegrity(ctx, dbPath, ModeFull)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0], "child rowid 1 references missing parent")
}
