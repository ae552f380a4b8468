package statement

import (
	"strings"

	rqlitesql "github.com/rqlite/sql"
)

// Target returns the table a write statement modifies, using the rqlite/sql parser.
// It is best effort and only used to annotate logs; unparseable or read-only
// statements return "".
func Target(sql string) string {
	parser := rqlitesql.NewParser(strings.NewReader(sql))
	stmt, err := parser.ParseStatement()
	if err != nil {
		return ""
	}

	switch s := stmt.(type) {
	case *rqlitesql.InsertStatement:
		return rqlitesql.IdentName(s.Table)
	case *rqlitesql.UpdateStatement:
		if s.Table != nil {
			return s.Table.TableName()
		}
	case *rqlitesql.DeleteStatement:
		if s.Table != nil {
			return s.Table.TableName()
		}
	case *rqlitesql.CreateTableStatement:
		return rqlitesql.IdentName(s.Name)
	}
	return ""
}

// Targets returns the distinct write targets of stmts in first-seen order
func Targets(stmts []string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, s := range stmts {
		t := Target(s)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
