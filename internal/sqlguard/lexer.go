package sqlguard

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokWord tokenKind = iota
	tokQuotedIdent
	tokString
	tokNumber
	tokParam
	tokOp
)

// token is a lexical unit of a statement. For strings and quoted identifiers
// text is the unescaped content; start/end are byte offsets into the source.
type token struct {
	kind  tokenKind
	text  string
	start int
	end   int
}

func (t token) isWord(words ...string) bool {
	if t.kind != tokWord {
		return false
	}
	for _, w := range words {
		if strings.EqualFold(t.text, w) {
			return true
		}
	}
	return false
}

func (t token) isOp(ops ...string) bool {
	if t.kind != tokOp {
		return false
	}
	for _, op := range ops {
		if t.text == op {
			return true
		}
	}
	return false
}

func (t token) isConst() bool {
	return t.kind == tokString || t.kind == tokNumber || t.isWord("TRUE", "FALSE", "NULL")
}

func (t token) isIdent() bool {
	return t.kind == tokQuotedIdent || (t.kind == tokWord && !t.isWord("TRUE", "FALSE", "NULL"))
}

// multiOps lists multi-character operators, longest first.
var multiOps = []string{"!~*", "->>", "#>>", "::", "<=", ">=", "<>", "!=", "||", "->", "#>", "~*", "!~", "@>", "<@", "&&"}

// lex splits sql into tokens. It refuses anything that would let text hide
// from the pattern checks: comments, dollar quoting, backslash escapes and
// unterminated literals.
func lex(sql string) ([]token, *Violation) {
	var toks []token
	i := 0
	for i < len(sql) {
		r, size := utf8.DecodeRuneInString(sql[i:])
		switch {
		case unicode.IsSpace(r):
			i += size

		case strings.HasPrefix(sql[i:], "--") || strings.HasPrefix(sql[i:], "/*"):
			return nil, &Violation{Code: CodeCommentNotAllowed, Message: "SQL comments are not allowed"}

		case r == '\'':
			text, end, v := readQuoted(sql, i, '\'')
			if v != nil {
				return nil, v
			}
			if strings.ContainsRune(text, '\\') {
				return nil, &Violation{Code: CodeMalformedQuery, Message: "backslashes inside string literals are not allowed"}
			}
			toks = append(toks, token{kind: tokString, text: text, start: i, end: end})
			i = end

		case r == '"':
			text, end, v := readQuoted(sql, i, '"')
			if v != nil {
				return nil, v
			}
			toks = append(toks, token{kind: tokQuotedIdent, text: text, start: i, end: end})
			i = end

		case r == '$':
			j := i + 1
			for j < len(sql) && sql[j] >= '0' && sql[j] <= '9' {
				j++
			}
			if j == i+1 {
				return nil, &Violation{Code: CodeMalformedQuery, Message: "dollar-quoted strings are not allowed"}
			}
			toks = append(toks, token{kind: tokParam, text: sql[i:j], start: i, end: j})
			i = j

		case isDigit(r) || (r == '.' && i+1 < len(sql) && isDigit(rune(sql[i+1]))):
			j := scanNumber(sql, i)
			toks = append(toks, token{kind: tokNumber, text: sql[i:j], start: i, end: j})
			i = j

		case r == '_' || unicode.IsLetter(r):
			j := i + size
			for j < len(sql) {
				r2, s2 := utf8.DecodeRuneInString(sql[j:])
				if r2 != '_' && r2 != '$' && !unicode.IsLetter(r2) && !unicode.IsDigit(r2) {
					break
				}
				j += s2
			}
			toks = append(toks, token{kind: tokWord, text: sql[i:j], start: i, end: j})
			i = j

		default:
			op := string(r)
			for _, m := range multiOps {
				if strings.HasPrefix(sql[i:], m) {
					op = m
					break
				}
			}
			toks = append(toks, token{kind: tokOp, text: op, start: i, end: i + len(op)})
			i += len(op)
		}
	}
	return toks, nil
}

func readQuoted(sql string, start int, quote byte) (string, int, *Violation) {
	var b strings.Builder
	i := start + 1
	for i < len(sql) {
		if sql[i] == quote {
			if i+1 < len(sql) && sql[i+1] == quote {
				b.WriteByte(quote)
				i += 2
				continue
			}
			return b.String(), i + 1, nil
		}
		b.WriteByte(sql[i])
		i++
	}
	if quote == '"' {
		return "", 0, &Violation{Code: CodeMalformedQuery, Message: "unterminated quoted identifier"}
	}
	return "", 0, &Violation{Code: CodeMalformedQuery, Message: "unterminated string literal"}
}

func scanNumber(sql string, i int) int {
	j := i
	for j < len(sql) && isDigit(rune(sql[j])) {
		j++
	}
	if j < len(sql) && sql[j] == '.' {
		j++
		for j < len(sql) && isDigit(rune(sql[j])) {
			j++
		}
	}
	if j < len(sql) && (sql[j] == 'e' || sql[j] == 'E') {
		k := j + 1
		if k < len(sql) && (sql[k] == '+' || sql[k] == '-') {
			k++
		}
		if k < len(sql) && isDigit(rune(sql[k])) {
			j = k
			for j < len(sql) && isDigit(rune(sql[j])) {
				j++
			}
		}
	}
	return j
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

// depths returns, for every token, the number of parentheses open before it.
func depths(toks []token) []int {
	out := make([]int, len(toks))
	d := 0
	for i, t := range toks {
		if t.isOp(")") && d > 0 {
			d--
		}
		out[i] = d
		if t.isOp("(") {
			d++
		}
	}
	return out
}
