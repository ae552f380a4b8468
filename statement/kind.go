// Package statement classifies SQL text for request routing.
//
// Classification is intentionally lexical: comments are stripped and the leading
// keyword decides the kind. SELECT statements are additionally scanned for
// top-level parenthesised groups that contain a modifying keyword, which marks
// them MIXED. The normalizer does not tokenize string literals, so a keyword
// inside a quoted literal can still influence the result.
package statement

// Kind is the coarse category of a single SQL statement
type Kind string

const (
	Select   Kind = "SELECT"
	Insert   Kind = "INSERT"
	Update   Kind = "UPDATE"
	Delete   Kind = "DELETE"
	Create   Kind = "CREATE"
	Drop     Kind = "DROP"
	Alter    Kind = "ALTER"
	Truncate Kind = "TRUNCATE"
	Replace  Kind = "REPLACE"
	Exec     Kind = "EXEC"
	Unknown  Kind = "UNKNOWN"
	Mixed    Kind = "MIXED" // SELECT with a modifying subquery
)

// IsReadOnly returns true only for plain SELECT statements.
// UNKNOWN and MIXED are treated as writes.
func (k Kind) IsReadOnly() bool {
	return k == Select
}

func (k Kind) String() string {
	return string(k)
}
