package migrate

import (
	"context"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	ups, err := fs.Glob(Migrations(), "*.up.sql")
	if err != nil {
		t.Fatal(err)
	}
	if len(ups) == 0 {
		t.Fatal("no embedded migrations")
	}
	for _, up := range ups {
		down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
		if _, err := fs.Stat(Migrations(), down); err != nil {
			t.Fatalf("missing down migration for %s", up)
		}
	}
	lab, err := fs.ReadFile(Migrations(), "0002_lab.up.sql")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(lab), "where superseded_at is null") {
		t.Fatal("current-result index missing from schema")
	}
}

func TestDriverURL(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@db:5432/cytolab?sslmode=disable": "pgx5://u:p@db:5432/cytolab?sslmode=disable",
		"postgresql://db/cytolab":                         "pgx5://db/cytolab",
		"pgx5://db/cytolab":                               "pgx5://db/cytolab",
	}
	for in, want := range cases {
		if got := DriverURL(in); got != want {
			t.Fatalf("DriverURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("insert into t values ('a;b'); update t set x = 1;\n")
	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements, got %d: %q", len(stmts), stmts)
	}
	if !strings.Contains(stmts[0], "'a;b'") {
		t.Fatalf("quoted semicolon split: %q", stmts[0])
	}
}

func TestSeederSkipsApplied(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	files := fstest.MapFS{
		"0001_first.sql":  {Data: []byte("insert into hospitals(id, name) values ('1', 'a');")},
		"0002_second.sql": {Data: []byte("insert into hospitals(id, name) values ('2', 'b');")},
	}

	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_seeds").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_first.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("insert into hospitals").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into schema_seeds").
		WithArgs("0002_second.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := NewSeeder(db, files, "").Apply(context.Background()); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSeederRollsBackFailedFile(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	files := fstest.MapFS{"0001_bad.sql": {Data: []byte("insert into nowhere values (1);")}}
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_seeds").WillReturnRows(sqlmock.NewRows([]string{"name"}))
	mock.ExpectBegin()
	mock.ExpectExec("insert into nowhere").WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	if err := NewSeeder(db, files, "").Apply(context.Background()); err == nil {
		t.Fatal("expected seed error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
