package migrate

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func migrationsFS() fstest.MapFS {
	return fstest.MapFS{
		"migrations/0001_init.up.sql":   {Data: []byte("create table a (id int);\ncreate table b (note text default 'x;y');")},
		"migrations/0001_init.down.sql": {Data: []byte("drop table b; drop table a;")},
		"migrations/0002_more.up.sql":   {Data: []byte("alter table a add column v int;")},
		"migrations/0002_more.down.sql": {Data: []byte("alter table a drop column v;")},
		"migrations/README.md":          {Data: []byte("ignored")},
	}
}

func seedsFS() fstest.MapFS {
	return fstest.MapFS{
		"seeds/0001_settings.sql": {Data: []byte("insert into a values (1);")},
		"seeds/0002_rates.sql":    {Data: []byte("update a set id = 2;")},
	}
}

func expectEnsure(mock sqlmock.Sqlmock) {
	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestUpAppliesPendingInOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectEnsure(mock)
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_init.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("alter table a add column v int").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("insert into schema_migrations").WithArgs("0002_more.up.sql", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(1, 1))

	m := NewManager(db, migrationsFS(), nil)
	require.NoError(t, m.Up(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDownRollsBackLatest(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectEnsure(mock)
	mock.ExpectQuery("select name from schema_migrations order by applied_at").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_init.up.sql").AddRow("0002_more.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("alter table a drop column v").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("delete from schema_migrations where name").WithArgs("0002_more.up.sql").WillReturnResult(sqlmock.NewResult(0, 1))

	m := NewManager(db, migrationsFS(), nil)
	require.NoError(t, m.Down(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDownWithoutHistory(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectEnsure(mock)
	mock.ExpectQuery("select name from schema_migrations order by applied_at").
		WillReturnRows(sqlmock.NewRows([]string{"name"}))

	m := NewManager(db, migrationsFS(), nil)
	require.Error(t, m.Down(context.Background()))
}

func TestSeedSkipsApplied(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectEnsure(mock)
	mock.ExpectQuery("select name from schema_seeds").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_settings.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("update a set id = 2").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec("insert into schema_seeds").WithArgs("0002_rates.sql", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(1, 1))

	m := NewManager(db, nil, seedsFS())
	require.NoError(t, m.Seed(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("create table b (note text default 'x;y'); select 1;")
	require.Len(t, stmts, 2)
	require.Contains(t, stmts[0], "'x;y'")
}
