package engine

import (
	"database/sql"
	"regexp"

	"github.com/mattn/go-sqlite3"
)

// DriverName is the custom driver name with REGEXP support
const DriverName = "sqlite3_edgepop"

func init() {
	sql.Register(DriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			// The primary ships REGEXP, so queries using it must work locally too
			return conn.RegisterFunc("regexp", regexpMatch, true)
		},
	})
}

func regexpMatch(pattern, text string) (bool, error) {
	return regexp.MatchString(pattern, text)
}
