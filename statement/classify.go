package statement

import (
	"regexp"
	"strings"
)

var (
	lineComment  = regexp.MustCompile(`(?m)--.*$`)
	blockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)

	leadingKeyword = regexp.MustCompile(`^(SELECT|INSERT|UPDATE|DELETE|CREATE|DROP|ALTER|TRUNCATE|REPLACE|EXEC)\b`)
	modifyingWord  = regexp.MustCompile(`\b(INSERT|UPDATE|DELETE|CREATE|DROP|ALTER|TRUNCATE|REPLACE|EXEC)\b`)
)

var transactionPrefixes = []string{"BEGIN", "COMMIT", "ROLLBACK"}

// Normalize strips comments, trims whitespace and upper-cases sql
func Normalize(sql string) string {
	sql = lineComment.ReplaceAllString(sql, "")
	sql = blockComment.ReplaceAllString(sql, "")
	return strings.ToUpper(strings.TrimSpace(sql))
}

// Classify returns the Kind of a single statement
func Classify(sql string) Kind {
	query := Normalize(sql)

	m := leadingKeyword.FindStringSubmatch(query)
	if m == nil {
		return Unknown
	}

	main := Kind(m[1])
	if main != Select {
		return main
	}

	for _, group := range topLevelGroups(query) {
		if modifyingWord.MatchString(group) {
			return Mixed
		}
	}
	return Select
}

// topLevelGroups returns the text inside each depth-1 parenthesis group.
// Nested parentheses stay part of their enclosing group.
func topLevelGroups(sql string) []string {
	var (
		groups  []string
		current strings.Builder
		depth   int
	)

	for _, r := range sql {
		switch {
		case r == '(':
			if depth > 0 {
				current.WriteRune(r)
			}
			depth++
		case r == ')':
			depth--
			if depth == 0 {
				groups = append(groups, current.String())
				current.Reset()
			} else if depth > 0 {
				current.WriteRune(r)
			} else {
				// Unbalanced close, ignore it and keep scanning
				depth = 0
			}
		case depth > 0:
			current.WriteRune(r)
		}
	}

	return groups
}

// IsTransactionControl reports whether sql starts with BEGIN, COMMIT or ROLLBACK
func IsTransactionControl(sql string) bool {
	clean := Normalize(sql)
	for _, p := range transactionPrefixes {
		if strings.HasPrefix(clean, p) {
			return true
		}
	}
	return false
}

// HasTransactionKeywords reports whether any statement is transaction control.
// Such batches are rejected before anything executes.
func HasTransactionKeywords(stmts []string) bool {
	for _, s := range stmts {
		if IsTransactionControl(s) {
			return true
		}
	}
	return false
}

// HasMultipleWrites reports whether more than one statement is not a plain SELECT
func HasMultipleWrites(stmts []string) bool {
	writes := 0
	for _, s := range stmts {
		if !Classify(s).IsReadOnly() {
			writes++
			if writes > 1 {
				return true
			}
		}
	}
	return false
}

// RequiresTransaction reports whether stmts must run inside one transaction.
// A single write, or any number of reads, never needs one.
func RequiresTransaction(stmts []string) bool {
	return len(stmts) > 1 &&
		!HasTransactionKeywords(stmts) &&
		HasMultipleWrites(stmts)
}
