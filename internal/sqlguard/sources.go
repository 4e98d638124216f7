package sqlguard

// source is one FROM item of a block. Base sources read stored rows and
// must be restricted to the patient; derived tables, functions and WITH
// entries are checked through their own blocks instead. Opaque sources,
// such as parenthesized joins, can never be proven restricted.
type source struct {
	base   bool
	opaque bool
	name   string
	alias  string
}

// ref is the name columns of s are qualified with.
func (s source) ref() string {
	if s.alias != "" {
		return s.alias
	}
	return s.name
}

var aliasStops = []string{
	"WHERE", "JOIN", "INNER", "LEFT", "RIGHT", "FULL", "OUTER", "CROSS", "NATURAL", "ON", "USING",
	"GROUP", "HAVING", "ORDER", "LIMIT", "OFFSET", "WINDOW", "FETCH", "FOR", "UNION", "INTERSECT",
	"EXCEPT", "TABLESAMPLE", "WITH", "LATERAL",
}

// sources lists the FROM items of b in order, including joined ones.
func (b block) sources(toks []token, ds []int, ctes []cte) []source {
	from := -1
	for j := b.start + 1; j < b.end; j++ {
		if ds[j] == b.depth && toks[j].isWord("FROM") && !toks[j-1].isWord("DISTINCT") {
			from = j
			break
		}
	}
	if from < 0 {
		return nil
	}

	var out []source
	j := from + 1
	for j < b.end {
		for j < b.end && toks[j].isWord("LATERAL", "ONLY") {
			j++
		}
		if j >= b.end {
			break
		}
		src, next := readSource(toks, j, b, ctes)
		out = append(out, src)

		for j = next; j < b.end; j++ {
			if ds[j] != b.depth {
				continue
			}
			if toks[j].isWord(sourceStops...) {
				return out
			}
			if toks[j].isOp(",") || toks[j].isWord("JOIN") {
				j++
				break
			}
		}
	}
	return out
}

func readSource(toks []token, j int, b block, ctes []cte) (source, int) {
	t := toks[j]
	if t.isOp("(") {
		closer := matchParen(toks, j)
		if closer < 0 {
			return source{base: true, opaque: true}, b.end
		}
		if j+1 < b.end && toks[j+1].isWord("SELECT", "WITH", "VALUES") {
			alias, next := readAlias(toks, closer+1, b.end)
			return source{alias: alias}, next
		}
		return source{base: true, opaque: true}, closer + 1
	}
	if !t.isIdent() || t.isWord(aliasStops...) {
		return source{base: true, opaque: true}, j + 1
	}

	end := qualifiedEnd(toks, j)
	if end < b.end && toks[end].isOp("(") {
		closer := matchParen(toks, end)
		if closer < 0 {
			return source{}, b.end
		}
		alias, next := readAlias(toks, closer+1, b.end)
		return source{alias: alias}, next
	}
	name := identKey(toks[end-1])
	alias, next := readAlias(toks, end, b.end)
	return source{
		base:  !(end == j+1 && definedBefore(ctes, name, b.start)),
		name:  name,
		alias: alias,
	}, next
}

func readAlias(toks []token, k, end int) (string, int) {
	if k < end && toks[k].isWord("AS") {
		k++
	}
	if k < end && toks[k].isIdent() && !toks[k].isWord(aliasStops...) {
		return identKey(toks[k]), k + 1
	}
	return "", k
}

// outerJoins reports whether b uses RIGHT or FULL joins, where an ON
// condition no longer restricts the rows of the preserved side.
func (b block) outerJoins(toks []token, ds []int) bool {
	for j := b.start + 1; j+1 < b.end; j++ {
		if ds[j] == b.depth && toks[j].isWord("RIGHT", "FULL") && toks[j+1].isWord("JOIN", "OUTER") {
			return true
		}
	}
	return false
}

func (b block) encloses(inner block) bool {
	return b.depth < inner.depth && b.start < inner.start && inner.end <= b.end
}

// sourceScope records which FROM items of every block are restricted to a
// single patient.
type sourceScope struct {
	blocks  []block
	sources [][]source
	scoped  [][]bool
}

type tie struct {
	block int
	pred  predicate
}

// scopeSources marks a source restricted when an anchored literal predicate
// names it, or when an anchored equality ties one of its columns to the
// patient column of a restricted source in the same or an enclosing block.
func scopeSources(toks []token, ds []int, preds []predicate, patientID string) sourceScope {
	blocks := queryBlocks(toks, ds)
	ctes := cteNames(toks)
	sc := sourceScope{
		blocks:  blocks,
		sources: make([][]source, len(blocks)),
		scoped:  make([][]bool, len(blocks)),
	}
	for i, b := range blocks {
		sc.sources[i] = b.sources(toks, ds, ctes)
		sc.scoped[i] = make([]bool, len(sc.sources[i]))
	}

	var ties []tie
	for _, p := range preds {
		switch {
		case p.selects(patientID):
			kw := anchoringClause(toks, ds, p.span, "WHERE", "HAVING")
			if kw < 0 {
				continue
			}
			bi := owningBlock(blocks, ds, kw)
			if bi < 0 {
				continue
			}
			if si := sc.own(bi, qualifierAt(toks, p.col)); si >= 0 {
				sc.scoped[bi][si] = true
			}
		case p.kind == predJoin:
			kw := anchoringClause(toks, ds, p.span, "WHERE", "HAVING", "ON")
			if kw < 0 {
				continue
			}
			bi := owningBlock(blocks, ds, kw)
			if bi < 0 || (toks[kw].isWord("ON") && blocks[bi].outerJoins(toks, ds)) {
				continue
			}
			ties = append(ties, tie{block: bi, pred: p})
		}
	}

	for changed := true; changed; {
		changed = false
		for _, t := range ties {
			if !sc.restricted(t.block, qualifierAt(toks, t.pred.col)) {
				continue
			}
			si := sc.own(t.block, qualifierAt(toks, t.pred.peer))
			if si >= 0 && !sc.scoped[t.block][si] {
				sc.scoped[t.block][si] = true
				changed = true
			}
		}
	}
	return sc
}

// own resolves a column qualifier against the sources of block bi. A bare
// column resolves only when the block reads a single source.
func (sc sourceScope) own(bi int, qualifier string) int {
	srcs := sc.sources[bi]
	if qualifier == "" {
		if len(srcs) == 1 && !srcs[0].opaque {
			return 0
		}
		return -1
	}
	for i, s := range srcs {
		if !s.opaque && s.ref() == qualifier {
			return i
		}
	}
	return -1
}

// restricted reports whether qualifier names a restricted source visible
// from block bi, searching enclosing blocks for correlated references.
func (sc sourceScope) restricted(bi int, qualifier string) bool {
	if si := sc.own(bi, qualifier); si >= 0 {
		return sc.scoped[bi][si]
	}
	if qualifier == "" {
		return false
	}
	for k := bi - 1; k >= 0; k-- {
		if !sc.blocks[k].encloses(sc.blocks[bi]) {
			continue
		}
		if si := sc.own(k, qualifier); si >= 0 {
			return sc.scoped[k][si]
		}
	}
	return false
}

// unscoped returns the first base source that is not restricted, or false
// when every base source is.
func (sc sourceScope) unscoped() (source, bool) {
	for i, srcs := range sc.sources {
		for j, s := range srcs {
			if s.base && !sc.scoped[i][j] {
				return s, true
			}
		}
	}
	return source{}, false
}
