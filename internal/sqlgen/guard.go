package sqlgen

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

var (
	// ErrMutationRejected marks statements carrying a data-mutation keyword.
	ErrMutationRejected = errors.New("mutation rejected")

	// ErrNotSelect marks statements that are not a single SELECT/WITH query.
	ErrNotSelect = errors.New("only single SELECT statements are allowed")
)

var mutationKeywords = map[string]bool{
	"INSERT":   true,
	"UPDATE":   true,
	"DELETE":   true,
	"DROP":     true,
	"ALTER":    true,
	"CREATE":   true,
	"TRUNCATE": true,
}

// MutationError reports the mutation keyword found in a rejected statement.
type MutationError struct {
	Keyword   string
	Statement string
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("mutation rejected: statement contains %s", e.Keyword)
}

func (e *MutationError) Is(target error) bool { return target == ErrMutationRejected }

// CheckReadOnly verifies that stmt is exactly one read-only query. Comments
// and string literals are ignored, so a keyword inside a literal does not
// trigger rejection, while a keyword anywhere in code does.
//
// Where a literal ends depends on the dialect: Postgres E'...' strings
// (and servers without standard_conforming_strings) end a backslash-escaped
// quote differently from standard SQL. The statement must pass under both
// readings.
func CheckReadOnly(stmt string) error {
	if err := checkTokens(stmt, tokenize(stmt, false)); err != nil {
		return err
	}
	return checkTokens(stmt, tokenize(stmt, true))
}

func checkTokens(stmt string, tokens []string) error {
	for _, tok := range tokens {
		if kw := strings.ToUpper(tok); mutationKeywords[kw] {
			return &MutationError{Keyword: kw, Statement: stmt}
		}
	}

	// Trailing semicolons are harmless; any other one separates statements.
	for len(tokens) > 0 && tokens[len(tokens)-1] == ";" {
		tokens = tokens[:len(tokens)-1]
	}
	if len(tokens) == 0 {
		return fmt.Errorf("%w: empty statement", ErrNotSelect)
	}
	for _, tok := range tokens {
		if tok == ";" {
			return fmt.Errorf("%w: multiple statements", ErrNotSelect)
		}
	}

	lead := tokens[0]
	for i := 0; lead == "(" && i+1 < len(tokens); i++ {
		lead = tokens[i+1]
	}
	switch strings.ToUpper(lead) {
	case "SELECT", "WITH":
		return nil
	default:
		return fmt.Errorf("%w: statement starts with %s", ErrNotSelect, strings.ToUpper(lead))
	}
}

// tokenize splits SQL into identifier/keyword words and single punctuation
// characters. Comments are dropped, string literals collapse to '' and
// double-quoted identifiers stay one token including the quotes. With
// backslashEscapes set, a backslash inside a literal escapes the next rune.
func tokenize(sql string, backslashEscapes bool) []string {
	var tokens []string
	rs := []rune(sql)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '-' && i+1 < len(rs) && rs[i+1] == '-':
			for i < len(rs) && rs[i] != '\n' {
				i++
			}
		case r == '/' && i+1 < len(rs) && rs[i+1] == '*':
			i += 2
			for i < len(rs) && !(rs[i] == '*' && i+1 < len(rs) && rs[i+1] == '/') {
				i++
			}
			i += 2
		case r == '\'':
			i++
			for i < len(rs) {
				if backslashEscapes && rs[i] == '\\' {
					i += 2
					continue
				}
				if rs[i] == '\'' {
					if i+1 < len(rs) && rs[i+1] == '\'' {
						i += 2
						continue
					}
					break
				}
				i++
			}
			i++
			tokens = append(tokens, "''")
		case r == '"' || r == '`' || r == '[':
			end := r
			if r == '[' {
				end = ']'
			}
			j := i + 1
			for j < len(rs) && rs[j] != end {
				j++
			}
			if j < len(rs) {
				j++
			}
			tokens = append(tokens, string(rs[i:j]))
			i = j
		case isWordRune(r):
			j := i
			for j < len(rs) && isWordRune(rs[j]) {
				j++
			}
			tokens = append(tokens, string(rs[i:j]))
			i = j
		default:
			tokens = append(tokens, string(r))
			i++
		}
	}
	return tokens
}

func isWordRune(r rune) bool {
	return r == '_' || r == '.' || r == '$' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

var clauseKeywords = map[string]bool{
	"WHERE": true, "GROUP": true, "ORDER": true, "LIMIT": true, "HAVING": true, "ON": true,
	"USING": true, "UNION": true, "EXCEPT": true, "INTERSECT": true, "JOIN": true, "INNER": true,
	"LEFT": true, "RIGHT": true, "FULL": true, "CROSS": true, "OUTER": true, "NATURAL": true,
	"WINDOW": true, "OFFSET": true, "AS": true,
}

// referencedTables returns the table names that follow FROM and JOIN,
// including comma-separated FROM lists. Subqueries are skipped; their own
// FROM clauses are picked up when scanning reaches them.
func referencedTables(stmt string) []string {
	tokens := tokenize(stmt, false)
	seen := map[string]bool{}
	var tables []string
	add := func(tok string) {
		name := strings.Trim(tok, "\"`[]")
		if name == "" || seen[strings.ToLower(name)] {
			return
		}
		seen[strings.ToLower(name)] = true
		tables = append(tables, name)
	}

	for i := 0; i < len(tokens); i++ {
		kw := strings.ToUpper(tokens[i])
		if kw != "FROM" && kw != "JOIN" {
			continue
		}
		for j := i + 1; j < len(tokens); {
			tok := tokens[j]
			if tok == "(" || clauseKeywords[strings.ToUpper(tok)] || tok == "''" {
				break
			}
			if !isIdentifierToken(tok) {
				break
			}
			add(tok)
			j++
			// optional alias, with or without AS
			if j < len(tokens) && strings.EqualFold(tokens[j], "AS") {
				j++
			}
			if j < len(tokens) && isIdentifierToken(tokens[j]) && !clauseKeywords[strings.ToUpper(tokens[j])] {
				j++
			}
			if kw == "JOIN" || j >= len(tokens) || tokens[j] != "," {
				break
			}
			j++
		}
	}
	return tables
}

func isIdentifierToken(tok string) bool {
	if tok == "" {
		return false
	}
	r := []rune(tok)[0]
	return r == '"' || r == '`' || r == '[' || r == '_' || unicode.IsLetter(r)
}
