package migrate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Embedded(t *testing.T) {
	migrations, err := Load(Files())
	require.NoError(t, err)
	require.NotEmpty(t, migrations)

	first := migrations[0]
	assert.Equal(t, 1, first.Version)
	assert.Equal(t, "initial_schema", first.Name)
	for _, constraint := range []string{"users_email_key", "patients_nss_key", "medical_records_patient_id_key"} {
		assert.Contains(t, first.UpSQL, constraint)
	}
	assert.Contains(t, first.DownSQL, "DROP TABLE IF EXISTS users")
}

func TestLoad_Ordering(t *testing.T) {
	files := fstest.MapFS{
		"002_add_index.sql":       {Data: []byte("CREATE INDEX x ON t (c);")},
		"001_init.sql":            {Data: []byte("CREATE TABLE t (c INT);")},
		"001_init_down.sql":       {Data: []byte("DROP TABLE t;")},
		"README.md":               {Data: []byte("notes")},
		"abc_not_a_migration.sql": {Data: []byte("SELECT 1;")},
		"000_zero_is_ignored.sql": {Data: []byte("SELECT 1;")},
	}

	migrations, err := Load(files)
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, "init", migrations[0].Name)
	assert.Equal(t, "DROP TABLE t;", migrations[0].DownSQL)
	assert.Equal(t, "add_index", migrations[1].Name)
	assert.Empty(t, migrations[1].DownSQL)
}

func TestLoad_MissingUp(t *testing.T) {
	_, err := Load(fstest.MapFS{"003_orphan_down.sql": {Data: []byte("DROP TABLE t;")}})
	assert.Error(t, err)
}

// fakeDB records executed statements. Unimplemented pgx methods panic
// through the nil embedded interfaces.
type fakeDB struct {
	applied   []int
	execs     []string
	failOn    string
	committed int
}

func (db *fakeDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	db.execs = append(db.execs, sql)
	return pgconn.CommandTag{}, nil
}

func (db *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return &fakeRows{versions: db.applied, i: -1}, nil
}

func (db *fakeDB) Begin(context.Context) (pgx.Tx, error) {
	return &fakeTx{db: db}, nil
}

type fakeTx struct {
	pgx.Tx
	db    *fakeDB
	execs []string
}

func (tx *fakeTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	if tx.db.failOn != "" && strings.Contains(sql, tx.db.failOn) {
		return pgconn.CommandTag{}, errors.New("syntax error")
	}
	tx.execs = append(tx.execs, sql)
	return pgconn.CommandTag{}, nil
}

func (tx *fakeTx) Commit(context.Context) error {
	tx.db.execs = append(tx.db.execs, tx.execs...)
	tx.db.committed++
	return nil
}

func (tx *fakeTx) Rollback(context.Context) error { return nil }

type fakeRows struct {
	pgx.Rows
	versions []int
	i        int
}

func (r *fakeRows) Next() bool {
	r.i++
	return r.i < len(r.versions)
}

func (r *fakeRows) Scan(dest ...any) error {
	*dest[0].(*int) = r.versions[r.i]
	*dest[1].(*time.Time) = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return nil
}

func (r *fakeRows) Close()     {}
func (r *fakeRows) Err() error { return nil }

var twoMigrations = fstest.MapFS{
	"001_init.sql":        {Data: []byte("CREATE TABLE a ();")},
	"001_init_down.sql":   {Data: []byte("DROP TABLE a;")},
	"002_second.sql":      {Data: []byte("CREATE TABLE b ();")},
	"002_second_down.sql": {Data: []byte("DROP TABLE b;")},
}

func TestUp_AppliesPending(t *testing.T) {
	db := &fakeDB{applied: []int{1}}
	m := NewManager(db, twoMigrations, nil)

	n, err := m.Up(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, db.committed)
	assert.Contains(t, db.execs, "CREATE TABLE b ();")
	assert.NotContains(t, db.execs, "CREATE TABLE a ();")
}

func TestUp_StopsOnFailure(t *testing.T) {
	db := &fakeDB{failOn: "TABLE a"}
	m := NewManager(db, twoMigrations, nil)

	n, err := m.Up(context.Background())
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Zero(t, db.committed)
}

func TestDown(t *testing.T) {
	db := &fakeDB{applied: []int{1, 2}}
	m := NewManager(db, twoMigrations, nil)

	mig, err := m.Down(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, mig.Version)
	assert.Contains(t, db.execs, "DROP TABLE b;")

	_, err = NewManager(&fakeDB{}, twoMigrations, nil).Down(context.Background())
	assert.ErrorIs(t, err, ErrNothingToRollBack)
}
