package migrate

import "testing"

func TestSplitStatements(t *testing.T) {
	sqlText := `
create table a (id text primary key);
insert into a values ('x;y');
`
	stmts := splitStatements(sqlText)
	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements, got %d: %v", len(stmts), stmts)
	}
	if got := stmts[1]; got == "" || got[len(got)-1] != ';' {
		t.Fatalf("unexpected second statement: %q", got)
	}
}

func TestSplitStatementsTrailingWithoutSemicolon(t *testing.T) {
	stmts := splitStatements("select 1")
	if len(stmts) != 1 {
		t.Fatalf("expected trailing statement, got %v", stmts)
	}
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	ups, err := collectSQL("sql", ".up.sql")
	if err != nil {
		t.Fatalf("collectSQL: %v", err)
	}
	if len(ups) == 0 {
		t.Fatal("no migrations embedded")
	}
	downs, err := collectSQL("sql", ".down.sql")
	if err != nil {
		t.Fatalf("collectSQL: %v", err)
	}
	if len(ups) != len(downs) {
		t.Fatalf("unpaired migrations: %d up, %d down", len(ups), len(downs))
	}
}
