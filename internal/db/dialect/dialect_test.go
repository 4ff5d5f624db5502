package dialect

import (
	"testing"
)

func TestIsPostgres(t *testing.T) {
	if !IsPostgres(PGX) {
		t.Error("expected pgx to be postgres")
	}
	if IsPostgres(SQLite3) {
		t.Error("expected sqlite3 to not be postgres")
	}
}

func TestBoolToInt(t *testing.T) {
	if BoolToInt(true) != 1 {
		t.Error("expected 1 for true")
	}
	if BoolToInt(false) != 0 {
		t.Error("expected 0 for false")
	}
}

func TestNow(t *testing.T) {
	if Now(SQLite3) != "datetime('now')" {
		t.Errorf("sqlite: got %q", Now(SQLite3))
	}
	if Now(PGX) != "NOW()" {
		t.Errorf("pgx: got %q", Now(PGX))
	}
}

func TestNowMinusSeconds(t *testing.T) {
	got := NowMinusSeconds(SQLite3, "?")
	if got != "datetime('now', '-' || ? || ' seconds')" {
		t.Errorf("sqlite: got %q", got)
	}
	got = NowMinusSeconds(PGX, "?")
	if got != "NOW() - (? || ' seconds')::interval" {
		t.Errorf("pgx: got %q", got)
	}
}

func TestNowPlusSeconds(t *testing.T) {
	got := NowPlusSeconds(SQLite3, "?")
	if got != "datetime('now', '+' || ? || ' seconds')" {
		t.Errorf("sqlite: got %q", got)
	}
	got = NowPlusSeconds(PGX, "?")
	if got != "NOW() + (? || ' seconds')::interval" {
		t.Errorf("pgx: got %q", got)
	}
}

func TestTimestampType(t *testing.T) {
	if TimestampType(SQLite3) != "DATETIME" {
		t.Errorf("sqlite: got %q", TimestampType(SQLite3))
	}
	if TimestampType(PGX) != "TIMESTAMPTZ" {
		t.Errorf("pgx: got %q", TimestampType(PGX))
	}
}

func TestJSONType(t *testing.T) {
	if JSONType(SQLite3) != "TEXT" {
		t.Errorf("sqlite: got %q", JSONType(SQLite3))
	}
	if JSONType(PGX) != "JSONB" {
		t.Errorf("pgx: got %q", JSONType(PGX))
	}
}

func TestAutoIncrementPK(t *testing.T) {
	if AutoIncrementPK(SQLite3) != "INTEGER PRIMARY KEY AUTOINCREMENT" {
		t.Errorf("sqlite: got %q", AutoIncrementPK(SQLite3))
	}
	if AutoIncrementPK(PGX) != "BIGSERIAL PRIMARY KEY" {
		t.Errorf("pgx: got %q", AutoIncrementPK(PGX))
	}
}

func TestLike(t *testing.T) {
	if Like(SQLite3) != "LIKE" {
		t.Errorf("sqlite: got %q", Like(SQLite3))
	}
	if Like(PGX) != "ILIKE" {
		t.Errorf("pgx: got %q", Like(PGX))
	}
}
