package sqlguard

import "strings"

// block is one SELECT and the tokens it owns at its own depth.
type block struct {
	start, end, depth int
}

// cte is a WITH entry; body ends at the closing parenthesis index.
type cte struct {
	name    string
	bodyEnd int
}

var anchorStops = []string{
	"SELECT", "FROM", "WHERE", "GROUP", "HAVING", "ORDER", "LIMIT", "OFFSET", "ON",
	"JOIN", "WHEN", "THEN", "ELSE", "CASE", "USING", "WINDOW", "RETURNING", "VALUES", "BY",
}

var segmentStops = []string{
	"GROUP", "HAVING", "ORDER", "LIMIT", "OFFSET", "WINDOW", "JOIN", "INNER", "LEFT",
	"RIGHT", "FULL", "CROSS", "NATURAL", "WHERE", "UNION", "INTERSECT", "EXCEPT", "FETCH", "FOR",
}

var sourceStops = []string{"WHERE", "GROUP", "HAVING", "ORDER", "LIMIT", "OFFSET", "WINDOW", "FETCH", "FOR"}

func queryBlocks(toks []token, ds []int) []block {
	var out []block
	for i, t := range toks {
		if !t.isWord("SELECT") {
			continue
		}
		b := block{start: i, end: len(toks), depth: ds[i]}
		for j := i + 1; j < len(toks); j++ {
			if ds[j] < b.depth {
				b.end = j
				break
			}
		}
		out = append(out, b)
	}
	return out
}

// anchoringClause climbs from a predicate through enclosing boolean groups
// and returns the index of the clause keyword, one of clauses, that makes
// the predicate mandatory for every row. It returns -1 when the predicate is
// negated, joined with OR at any level, or sits in any other clause.
func anchoringClause(toks []token, ds []int, sp span, clauses ...string) int {
	s, e := sp.start, sp.end
	for {
		if s > 0 && toks[s-1].isWord("NOT") {
			return -1
		}
		d := ds[s]
		k := s - 1
		for ; k >= 0; k-- {
			if ds[k] < d {
				break
			}
			if ds[k] > d {
				continue
			}
			if toks[k].isWord("OR") {
				return -1
			}
			if toks[k].isWord(anchorStops...) {
				break
			}
		}
		if k < 0 {
			return -1
		}
		if orInSegment(toks, ds, e, d) {
			return -1
		}
		if ds[k] == d {
			if toks[k].isWord(clauses...) {
				return k
			}
			return -1
		}

		// k opens the enclosing group; only plain boolean grouping is
		// transparent.
		if k > 0 && !(toks[k-1].isOp("(") || toks[k-1].isWord("AND", "NOT") || toks[k-1].isWord(clauses...)) {
			return -1
		}
		closer := matchParen(toks, k)
		if closer < 0 {
			return -1
		}
		s, e = k, closer+1
	}
}

func orInSegment(toks []token, ds []int, from, d int) bool {
	for j := from; j < len(toks); j++ {
		if ds[j] < d {
			return false
		}
		if ds[j] > d {
			continue
		}
		if toks[j].isWord("OR") {
			return true
		}
		if toks[j].isWord(segmentStops...) {
			return false
		}
	}
	return false
}

func owningBlock(blocks []block, ds []int, kw int) int {
	for i, b := range blocks {
		if b.depth == ds[kw] && b.start < kw && kw < b.end {
			return i
		}
	}
	return -1
}

func cteNames(toks []token) []cte {
	var out []cte
	n := len(toks)
	for k, t := range toks {
		if k == 0 || !t.isIdent() || !(toks[k-1].isWord("WITH", "RECURSIVE") || toks[k-1].isOp(",")) {
			continue
		}
		j := k + 1
		if j < n && toks[j].isOp("(") {
			c := matchParen(toks, j)
			if c < 0 {
				continue
			}
			j = c + 1
		}
		if j >= n || !toks[j].isWord("AS") {
			continue
		}
		j++
		if j < n && toks[j].isWord("NOT") {
			j++
		}
		if j < n && toks[j].isWord("MATERIALIZED") {
			j++
		}
		if j < n && toks[j].isOp("(") {
			if c := matchParen(toks, j); c > 0 {
				out = append(out, cte{name: identKey(t), bodyEnd: c})
			}
		}
	}
	return out
}

func identKey(t token) string {
	if t.kind == tokQuotedIdent {
		return t.text
	}
	return strings.ToLower(t.text)
}

func definedBefore(ctes []cte, name string, at int) bool {
	for _, c := range ctes {
		if c.name == name && c.bodyEnd < at {
			return true
		}
	}
	return false
}
