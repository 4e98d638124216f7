package sqlguard

import (
	"fmt"
	"strings"
)

// Scope checks that sql can only read rows of patientID. Checks run in a
// fixed order and the first violation wins.
func (v *Validator) Scope(sql, patientID string) Outcome {
	if strings.TrimSpace(patientID) == "" {
		return invalid(Violation{
			Code:    CodeMissingPatientFilter,
			Message: "a patient must be selected when the database holds more than one patient",
		})
	}
	checks := []func() *Violation{
		func() *Violation { return CheckSetOperation(sql) },
		func() *Violation { return CheckTautology(sql) },
		func() *Violation { return CheckPatientFilterPresent(sql, v.patientColumn, patientID) },
		func() *Violation { return CheckPatientFilterExclusive(sql, v.patientColumn, patientID) },
		func() *Violation { return CheckPatientFilterAnchored(sql, v.patientColumn, patientID) },
	}
	for _, check := range checks {
		if vi := check(); vi != nil {
			return invalid(*vi)
		}
	}
	return valid(sql)
}

// CheckSetOperation rejects UNION, INTERSECT and EXCEPT anywhere in sql.
func CheckSetOperation(sql string) *Violation {
	toks, lv := lex(sql)
	if lv != nil {
		return lv
	}
	for i, t := range toks {
		if t.isWord("UNION", "INTERSECT", "EXCEPT") && !(i > 0 && toks[i-1].isOp(".")) {
			return &Violation{
				Code:    CodeSetOperationNotAllowed,
				Message: strings.ToUpper(t.text) + " is not allowed when more than one patient exists",
			}
		}
	}
	return nil
}

// CheckTautology rejects an OR with an operand that does not depend on row
// data: a boolean constant, an expression over constants only such as
// `1 IN (1)` or `1 BETWEEN 0 AND 2`, or a comparison of a column with itself.
func CheckTautology(sql string) *Violation {
	toks, lv := lex(sql)
	if lv != nil {
		return lv
	}
	ds := depths(toks)
	between := betweenAnds(toks, ds)
	for i, t := range toks {
		if !t.isWord("OR") {
			continue
		}
		if constantAfter(toks, i+1) || constantBefore(toks, i-1) ||
			rowFree(toks, orOperand(toks, ds, between, i, 1)) ||
			rowFree(toks, orOperand(toks, ds, between, i, -1)) {
			return &Violation{
				Code:    CodeTautologyNotAllowed,
				Message: "conditions that do not depend on row data cannot be combined with OR",
			}
		}
	}
	return nil
}

// CheckPatientFilterPresent requires a `column = 'patientID'` or
// `column IN ('patientID', ...)` predicate.
func CheckPatientFilterPresent(sql, column, patientID string) *Violation {
	toks, lv := lex(sql)
	if lv != nil {
		return lv
	}
	for _, p := range patientPredicates(toks, column) {
		if p.mentions(patientID) {
			return nil
		}
	}
	return &Violation{
		Code:    CodeMissingPatientFilter,
		Message: fmt.Sprintf("query must filter %s = %s", column, quote(patientID)),
	}
}

// CheckPatientFilterExclusive rejects any comparison of column with a value
// other than patientID, naming the other literals it finds.
func CheckPatientFilterExclusive(sql, column, patientID string) *Violation {
	toks, lv := lex(sql)
	if lv != nil {
		return lv
	}
	var others []string
	seen := map[string]struct{}{}
	opaque := false
	for _, p := range patientPredicates(toks, column) {
		if p.kind == predUnsupported {
			opaque = true
		}
		for _, l := range p.literals {
			if l == patientID {
				continue
			}
			if _, ok := seen[l]; !ok {
				seen[l] = struct{}{}
				others = append(others, l)
			}
		}
	}
	if len(others) > 0 {
		quoted := make([]string, len(others))
		for i, l := range others {
			quoted[i] = quote(l)
		}
		return &Violation{
			Code:     CodeCrossPatientLeak,
			Message:  fmt.Sprintf("%s is compared with other patients: %s", column, strings.Join(quoted, ", ")),
			Literals: others,
		}
	}
	if opaque {
		return &Violation{
			Code:    CodeCrossPatientLeak,
			Message: fmt.Sprintf("%s may only be compared with = or IN against %s", column, quote(patientID)),
		}
	}
	return nil
}

// CheckPatientFilterAnchored requires the patient filter to bind every row:
// at least one `column = 'patientID'` predicate must be ANDed into a WHERE
// or HAVING clause, and every table read anywhere in sql must either carry
// its own filter or be joined on the patient column of a filtered table.
func CheckPatientFilterAnchored(sql, column, patientID string) *Violation {
	toks, lv := lex(sql)
	if lv != nil {
		return lv
	}
	ds := depths(toks)
	preds := patientPredicates(toks, column)
	anchored := false
	for _, p := range preds {
		if p.selects(patientID) && anchoringClause(toks, ds, p.span, "WHERE", "HAVING") >= 0 {
			anchored = true
			break
		}
	}
	if !anchored {
		return &Violation{
			Code:    CodeMissingPatientFilter,
			Message: fmt.Sprintf("%s = %s must be ANDed into the WHERE clause, not negated or combined with OR", column, quote(patientID)),
		}
	}
	if src, ok := scopeSources(toks, ds, preds, patientID).unscoped(); ok {
		name := src.ref()
		if name == "" {
			name = "a nested join"
		}
		return &Violation{
			Code: CodeMissingPatientFilter,
			Message: fmt.Sprintf("%s is not restricted to the patient: every table in a SELECT, including joined tables and subqueries, must filter %s = %s itself or be joined on the %s of a filtered table",
				name, column, quote(patientID), column),
		}
	}
	return nil
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

var comparisonOps = []string{"=", "<>", "!=", "<", ">", "<=", ">="}

func constantAfter(toks []token, j int) bool {
	for j < len(toks) && (toks[j].isOp("(") || toks[j].isWord("NOT")) {
		j++
	}
	if j >= len(toks) {
		return false
	}
	if toks[j].isWord("TRUE", "FALSE") {
		return true
	}
	lhs, ok := operandFrom(toks, j)
	if !ok {
		return false
	}
	k := lhs.end
	if k >= len(toks) {
		return false
	}
	switch {
	case toks[k].isOp(comparisonOps...) || toks[k].isWord("LIKE", "ILIKE"):
		k++
	case toks[k].isWord("IS"):
		k++
		if k < len(toks) && toks[k].isWord("NOT") {
			k++
		}
	default:
		return false
	}
	rhs, ok := operandFrom(toks, k)
	if !ok {
		return false
	}
	return trivial(toks, lhs, rhs)
}

func constantBefore(toks []token, j int) bool {
	for j >= 0 && toks[j].isOp(")") {
		j--
	}
	if j < 0 {
		return false
	}
	if toks[j].isWord("TRUE", "FALSE") {
		return true
	}
	rhs, ok := operandTo(toks, j)
	if !ok {
		return false
	}
	k := rhs.start - 1
	if k < 0 {
		return false
	}
	switch {
	case toks[k].isOp(comparisonOps...) || toks[k].isWord("LIKE", "ILIKE", "IS"):
		k--
	case toks[k].isWord("NOT") && k > 0 && toks[k-1].isWord("IS"):
		k -= 2
	default:
		return false
	}
	lhs, ok := operandTo(toks, k)
	if !ok {
		return false
	}
	return trivial(toks, lhs, rhs)
}

// operandFrom matches a constant or a column reference starting at j.
func operandFrom(toks []token, j int) (span, bool) {
	if j >= len(toks) {
		return span{}, false
	}
	if toks[j].isConst() {
		return span{j, skipCasts(toks, j+1)}, true
	}
	if !toks[j].isIdent() {
		return span{}, false
	}
	end := qualifiedEnd(toks, j)
	if end < len(toks) && toks[end].isOp("(") {
		return span{}, false
	}
	return span{j, end}, true
}

// operandTo matches a constant or a column reference ending at j.
func operandTo(toks []token, j int) (span, bool) {
	if j < 0 {
		return span{}, false
	}
	if toks[j].isConst() {
		return span{j, j + 1}, true
	}
	if !toks[j].isIdent() {
		return span{}, false
	}
	start := j
	for start >= 2 && toks[start-1].isOp(".") && toks[start-2].isIdent() {
		start -= 2
	}
	if start > 0 && toks[start-1].isOp("::") {
		return span{}, false
	}
	return span{start, j + 1}, true
}

func trivial(toks []token, a, b span) bool {
	if toks[a.start].isConst() && toks[b.start].isConst() {
		return true
	}
	if a.end-a.start != b.end-b.start {
		return false
	}
	for i := 0; i < a.end-a.start; i++ {
		x, y := toks[a.start+i], toks[b.start+i]
		if x.kind != y.kind {
			return false
		}
		if x.kind == tokWord && !strings.EqualFold(x.text, y.text) {
			return false
		}
		if x.kind != tokWord && x.text != y.text {
			return false
		}
	}
	return toks[a.start].isIdent()
}

var operandStops = []string{"THEN", "ELSE", "END", "WHEN", "AS", "ASC", "DESC", "NULLS"}

// betweenAnds marks the AND of every `x BETWEEN a AND b`.
func betweenAnds(toks []token, ds []int) map[int]bool {
	out := map[int]bool{}
	for i, t := range toks {
		if !t.isWord("BETWEEN") {
			continue
		}
		for j := i + 1; j < len(toks) && ds[j] >= ds[i]; j++ {
			if ds[j] == ds[i] && toks[j].isWord("AND") {
				out[j] = true
				break
			}
		}
	}
	return out
}

// orOperand returns the operand on one side of the OR at i: every token up
// to the next AND, OR, clause keyword or group boundary at the same depth.
func orOperand(toks []token, ds []int, between map[int]bool, i, dir int) span {
	d := ds[i]
	j := i + dir
	for ; j >= 0 && j < len(toks); j += dir {
		if ds[j] < d {
			break
		}
		if ds[j] > d {
			continue
		}
		t := toks[j]
		if (t.isWord("AND") && !between[j]) || t.isWord("OR") || t.isOp(",", ";") ||
			t.isWord(anchorStops...) || t.isWord(segmentStops...) || t.isWord(operandStops...) {
			break
		}
	}
	if dir > 0 {
		return span{i + 1, j}
	}
	return span{j + 1, i}
}

// exprWords are keywords that can appear inside a condition without
// referring to a column.
var exprWords = []string{
	"AND", "OR", "NOT", "IN", "BETWEEN", "SYMMETRIC", "IS", "LIKE", "ILIKE", "SIMILAR", "TO",
	"ESCAPE", "CASE", "WHEN", "THEN", "ELSE", "END", "ANY", "ALL", "SOME", "ARRAY", "DISTINCT",
	"FROM", "AS", "UNKNOWN", "ISNULL", "NOTNULL", "COLLATE", "AT", "ZONE", "OVERLAPS",
	"CURRENT_DATE", "CURRENT_TIME", "CURRENT_TIMESTAMP", "LOCALTIME", "LOCALTIMESTAMP",
	"CURRENT_USER", "SESSION_USER",
}

// typedLiterals prefix a string constant, as in DATE '2024-01-01'.
var typedLiterals = []string{"DATE", "TIME", "TIMESTAMP", "INTERVAL"}

// rowFree reports whether the non-empty operand sp never refers to a
// column. Function names and type names do not count as columns.
func rowFree(toks []token, sp span) bool {
	if sp.end <= sp.start {
		return false
	}
	for j := sp.start; j < sp.end; j++ {
		t := toks[j]
		if !t.isIdent() || t.isWord(exprWords...) {
			continue
		}
		if t.isWord(typedLiterals...) && j+1 < len(toks) && toks[j+1].kind == tokString {
			continue
		}
		if j+1 < len(toks) && toks[j+1].isOp("(") {
			continue
		}
		if j > 0 && (toks[j-1].isOp("::") || toks[j-1].isWord("AS")) {
			continue
		}
		return false
	}
	return true
}
