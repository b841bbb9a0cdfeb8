// Package sqlite registers sqlite databases as actors: "sqlite://app.db",
// "sqlite://:memory:".
package sqlite

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"hive/internal/hive"
	"hive/internal/kernel"
	"hive/internal/svc/sqlutil"

	_ "github.com/mattn/go-sqlite3"
)

const Scheme = "sqlite"

// Open connects to dsn. The pool is limited to one connection since every
// sqlite connection to ":memory:" is a separate database and the actor
// serializes requests anyway.
func Open(dsn string) (*sqlutil.ConnectionState, error) {
	sc, err := sqlutil.Open("sqlite3", dsn, TypeMapper)
	if err != nil {
		return nil, err
	}
	sc.DB.SetMaxOpenConns(1)
	return sc, nil
}

func Factory(_ *hive.Hive, path string) (kernel.Actor, error) {
	sc, err := Open(strings.TrimPrefix(path, Scheme+"://"))
	if err != nil {
		return nil, err
	}
	return sc, nil
}

func TypeMapper(v any, ct *sql.ColumnType) any {
	switch x := v.(type) {
	case nil:
		return nil
	case int:
		return int64(x)
	case int64, float64, bool, string:
		return x
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case []byte:
		// TEXT sometimes comes back as []byte depending on the declared type
		if ct != nil {
			decl := strings.ToUpper(ct.DatabaseTypeName())
			if decl == "TEXT" || strings.Contains(decl, "CHAR") || strings.Contains(decl, "CLOB") {
				return string(x)
			}
		}
		// encoding/json renders []byte as base64
		return x
	default:
		return fmt.Sprintf("%v", v)
	}
}
