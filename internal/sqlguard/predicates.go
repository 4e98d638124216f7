package sqlguard

import "strings"

// span is a half-open token range.
type span struct {
	start, end int
}

type predicateKind int

const (
	predNone predicateKind = iota
	predJoin
	predLiteral
	predUnsupported
)

// predicate is one use of the patient column that compares it with
// something. col is the first token of the column reference; for joins peer
// is the first token of the other column, otherwise -1.
type predicate struct {
	kind     predicateKind
	literals []string
	span     span
	col      int
	peer     int
}

// selects reports whether p restricts the column to patientID alone.
func (p predicate) selects(patientID string) bool {
	if p.kind != predLiteral || len(p.literals) == 0 {
		return false
	}
	for _, l := range p.literals {
		if l != patientID {
			return false
		}
	}
	return true
}

func (p predicate) mentions(patientID string) bool {
	if p.kind != predLiteral {
		return false
	}
	for _, l := range p.literals {
		if l == patientID {
			return true
		}
	}
	return false
}

// predicateEnd lists words that may follow a complete patient predicate.
var predicateEnd = []string{
	"AND", "OR", "AS", "GROUP", "ORDER", "LIMIT", "OFFSET", "HAVING", "WINDOW",
	"THEN", "ELSE", "END", "WHEN", "JOIN", "INNER", "LEFT", "RIGHT", "FULL",
	"CROSS", "NATURAL", "WHERE", "ON", "UNION", "INTERSECT", "EXCEPT", "FETCH", "FOR",
}

// patientPredicates finds every reference to column and classifies how it
// is compared. References that are only selected, grouped or ordered are
// left out.
func patientPredicates(toks []token, column string) []predicate {
	var out []predicate
	for i, t := range toks {
		if !isColumnToken(t, column) {
			continue
		}
		if i+1 < len(toks) && toks[i+1].isOp(".", "(") {
			continue
		}
		start := i
		for start >= 2 && toks[start-1].isOp(".") && toks[start-2].isIdent() {
			start -= 2
		}
		if p := classify(toks, span{start: start, end: skipCasts(toks, i+1)}); p.kind != predNone {
			p.col = start
			out = append(out, p)
		}
	}
	return out
}

func isColumnToken(t token, column string) bool {
	switch t.kind {
	case tokWord:
		return strings.EqualFold(t.text, column)
	case tokQuotedIdent:
		return t.text == column
	}
	return false
}

func classify(toks []token, sp span) predicate {
	n := len(toks)
	s, e := sp.start, sp.end

	// A column behind parentheses, a function call or a composite field
	// access can only be ignored or rejected.
	opaque := s > 0 && toks[s-1].isOp(".")
	for s > 0 && e < n && toks[s-1].isOp("(") && toks[e].isOp(")") {
		s--
		e = skipCasts(toks, e+1)
		opaque = true
	}
	if opaque {
		if (s > 0 && comparesLeft(toks[s-1])) || (e < n && comparesRight(toks[e])) {
			return unsupported(s, e, nil)
		}
		return predicate{}
	}

	if s > 0 && toks[s-1].isWord("CASE") {
		return unsupported(s, e, nil)
	}
	if e < n && toks[e].isOp("=") {
		if s > 0 && comparesLeft(toks[s-1]) {
			return unsupported(s, e, nil)
		}
		return classifyRight(toks, s, e+1)
	}
	if e < n && toks[e].isWord("IN") {
		if s > 0 && comparesLeft(toks[s-1]) {
			return unsupported(s, e, nil)
		}
		return classifyList(toks, s, e+1)
	}
	if e < n && comparesRight(toks[e]) {
		return unsupported(s, e, nil)
	}
	if s > 0 && toks[s-1].isOp("=") {
		return classifyLeft(toks, s-2, e)
	}
	if s > 0 && comparesLeft(toks[s-1]) {
		return unsupported(s, e, nil)
	}
	return predicate{}
}

// classifyRight handles `col = <operand>` with the operand starting at j.
func classifyRight(toks []token, s, j int) predicate {
	if j >= len(toks) {
		return unsupported(s, j, nil)
	}
	if toks[j].kind == tokString {
		end := skipCasts(toks, j+1)
		if !closesPredicate(toks, end) {
			return unsupported(s, end, []string{toks[j].text})
		}
		return predicate{kind: predLiteral, literals: []string{toks[j].text}, span: span{s, end}, peer: -1}
	}
	if end, ok := columnOperand(toks, j); ok {
		if end < len(toks) && comparesRight(toks[end]) {
			return unsupported(s, end, nil)
		}
		return predicate{kind: predJoin, span: span{s, end}, peer: j}
	}
	return unsupported(s, j+1, nil)
}

// classifyList handles `col IN (...)` with j pointing after IN.
func classifyList(toks []token, s, j int) predicate {
	n := len(toks)
	if j >= n || !toks[j].isOp("(") {
		return unsupported(s, j, nil)
	}
	var lits []string
	k := j + 1
	for {
		if k >= n || toks[k].kind != tokString {
			return unsupported(s, k, lits)
		}
		lits = append(lits, toks[k].text)
		k = skipCasts(toks, k+1)
		if k < n && toks[k].isOp(",") {
			k++
			continue
		}
		if k < n && toks[k].isOp(")") {
			k++
			break
		}
		return unsupported(s, k, lits)
	}
	if !closesPredicate(toks, k) {
		return unsupported(s, k, lits)
	}
	return predicate{kind: predLiteral, literals: lits, span: span{s, k}, peer: -1}
}

// classifyLeft handles `<operand> = col` with the operand ending at j.
func classifyLeft(toks []token, j, e int) predicate {
	if j < 0 {
		return unsupported(0, e, nil)
	}
	if e < len(toks) && comparesRight(toks[e]) {
		return unsupported(j, e, nil)
	}
	if toks[j].kind == tokString {
		if !closesPredicate(toks, e) || (j > 0 && comparesLeft(toks[j-1])) {
			return unsupported(j, e, []string{toks[j].text})
		}
		return predicate{kind: predLiteral, literals: []string{toks[j].text}, span: span{j, e}, peer: -1}
	}
	if toks[j].isIdent() {
		start := j
		for start >= 2 && toks[start-1].isOp(".") && toks[start-2].isIdent() {
			start -= 2
		}
		if start > 0 && comparesLeft(toks[start-1]) {
			return unsupported(start, e, nil)
		}
		return predicate{kind: predJoin, span: span{start, e}, peer: start}
	}
	return unsupported(j, e, nil)
}

func unsupported(s, e int, lits []string) predicate {
	return predicate{kind: predUnsupported, literals: lits, span: span{s, e}, peer: -1}
}

// columnOperand matches a possibly qualified column reference at j and
// returns the index after it.
func columnOperand(toks []token, j int) (int, bool) {
	if j >= len(toks) || !toks[j].isIdent() {
		return 0, false
	}
	end := qualifiedEnd(toks, j)
	if end < len(toks) && toks[end].isOp("(") {
		return 0, false
	}
	return skipCasts(toks, end), true
}

// qualifierAt returns the relation name or alias qualifying the column
// reference that starts at j, or "" when the reference is bare.
func qualifierAt(toks []token, j int) string {
	if j < 0 || j >= len(toks) || !toks[j].isIdent() {
		return ""
	}
	end := qualifiedEnd(toks, j)
	if end-j < 3 {
		return ""
	}
	return identKey(toks[end-3])
}

func qualifiedEnd(toks []token, j int) int {
	end := j + 1
	for end+1 < len(toks) && toks[end].isOp(".") && toks[end+1].isIdent() {
		end += 2
	}
	return end
}

func skipCasts(toks []token, j int) int {
	for j+1 < len(toks) && toks[j].isOp("::") && toks[j+1].isIdent() {
		j += 2
		for j < len(toks) && toks[j].isWord("VARYING", "PRECISION") {
			j++
		}
		if j < len(toks) && toks[j].isOp("(") {
			if k := matchParen(toks, j); k > 0 {
				j = k + 1
			}
		}
	}
	return j
}

func matchParen(toks []token, open int) int {
	depth := 0
	for k := open; k < len(toks); k++ {
		switch {
		case toks[k].isOp("("):
			depth++
		case toks[k].isOp(")"):
			depth--
			if depth == 0 {
				return k
			}
		}
	}
	return -1
}

func closesPredicate(toks []token, k int) bool {
	if k >= len(toks) {
		return true
	}
	return toks[k].isOp(")", ",", ";") || toks[k].isWord(predicateEnd...)
}

func isOperator(t token) bool {
	return t.kind == tokOp && !t.isOp(",", "(", ")", ";", ".")
}

func comparesLeft(t token) bool {
	return isOperator(t) || t.isWord("NOT", "LIKE", "ILIKE", "IS", "BETWEEN", "SIMILAR", "IN", "OVERLAPS", "ESCAPE", "AT")
}

func comparesRight(t token) bool {
	return isOperator(t) || t.isWord("NOT", "LIKE", "ILIKE", "IS", "BETWEEN", "SIMILAR", "IN", "OVERLAPS", "COLLATE", "AT", "ISNULL", "NOTNULL")
}
