package dialect

// TimestampType returns the column type used for UTC timestamps.
//
//	SQLite:   DATETIME
//	Postgres: TIMESTAMPTZ
func TimestampType(driver string) string {
	if IsPostgres(driver) {
		return "TIMESTAMPTZ"
	}
	return "DATETIME"
}

// JSONType returns the column type used for JSON documents.
//
//	SQLite:   TEXT
//	Postgres: JSONB
func JSONType(driver string) string {
	if IsPostgres(driver) {
		return "JSONB"
	}
	return "TEXT"
}

// AutoIncrementPK returns the column definition for an auto-incrementing
// integer primary key.
//
//	SQLite:   INTEGER PRIMARY KEY AUTOINCREMENT
//	Postgres: BIGSERIAL PRIMARY KEY
func AutoIncrementPK(driver string) string {
	if IsPostgres(driver) {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}
