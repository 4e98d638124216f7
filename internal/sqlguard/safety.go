// Package sqlguard decides whether SQL proposed by the reasoning service may
// run. It is a conservative pattern gate, not a parser: anything it cannot
// classify with certainty is rejected.
package sqlguard

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

const defaultPatientColumn = "patient_id"

// forbiddenKeywords are statement markers for writes, DDL, session or
// transaction control, locking and cursors.
var forbiddenKeywords = map[string]struct{}{
	"INSERT": {}, "UPDATE": {}, "DELETE": {}, "MERGE": {}, "UPSERT": {},
	"DROP": {}, "CREATE": {}, "ALTER": {}, "TRUNCATE": {}, "RENAME": {},
	"GRANT": {}, "REVOKE": {}, "COPY": {}, "VACUUM": {}, "REINDEX": {},
	"CLUSTER": {}, "LOCK": {}, "SHARE": {}, "NOWAIT": {}, "CALL": {}, "DO": {},
	"EXECUTE": {}, "PREPARE": {}, "DEALLOCATE": {}, "LISTEN": {}, "NOTIFY": {},
	"UNLISTEN": {}, "REFRESH": {}, "SET": {}, "RESET": {}, "DISCARD": {},
	"BEGIN": {}, "COMMIT": {}, "ROLLBACK": {}, "SAVEPOINT": {}, "IMPORT": {},
	"INTO": {}, "FETCH": {}, "DECLARE": {}, "CHECKPOINT": {}, "LOAD": {},
}

// forbiddenFunctions stall the backend, touch the filesystem, reach other
// servers, change settings, take locks or run SQL text the gate never saw.
var forbiddenFunctions = map[string]struct{}{
	"set_config": {}, "pg_terminate_backend": {}, "pg_cancel_backend": {},
	"pg_reload_conf": {}, "pg_rotate_logfile": {}, "pg_stat_file": {},
	"pg_notify": {}, "nextval": {}, "setval": {}, "query_to_xml": {},
	"query_to_xml_and_xmlschema": {}, "query_to_xmlschema": {}, "cursor_to_xml": {},
	"table_to_xml": {}, "schema_to_xml": {}, "database_to_xml": {},
}

var forbiddenFunctionPrefixes = []string{
	"pg_sleep", "pg_read_", "pg_ls_", "pg_file", "pg_advisory", "pg_try_advisory",
	"lo_", "dblink",
}

// Validator applies the safety stage and, for multi-patient databases, the
// patient-scope stage.
type Validator struct {
	maxRows       int
	patientColumn string
}

// NewValidator creates a Validator that caps result sets at maxRows and
// treats patientColumn as the patient-identifying column.
func NewValidator(maxRows int, patientColumn string) (*Validator, error) {
	if maxRows <= 0 {
		return nil, errors.New("sqlguard: max rows must be positive")
	}
	patientColumn = strings.TrimSpace(patientColumn)
	if patientColumn == "" {
		patientColumn = defaultPatientColumn
	}
	return &Validator{maxRows: maxRows, patientColumn: patientColumn}, nil
}

func (v *Validator) MaxRows() int {
	return v.maxRows
}

func (v *Validator) PatientColumn() string {
	return v.patientColumn
}

// Validate runs Safety and then, when more than one patient exists, Scope.
func (v *Validator) Validate(sql, patientID string, patientCount int) Outcome {
	out := v.Safety(sql)
	if !out.Valid() {
		return out
	}
	if patientCount > 1 {
		if scoped := v.Scope(out.SQL, patientID); !scoped.Valid() {
			return scoped
		}
	}
	return out
}

// Safety accepts exactly one read-only statement and returns it with an
// enforced row cap.
func (v *Validator) Safety(sql string) Outcome {
	stmt, toks, lv := prepare(sql)
	if lv != nil {
		return invalid(*lv)
	}

	var vs []Violation
	if vi := checkSingleStatement(toks); vi != nil {
		vs = append(vs, *vi)
	}
	if vi := checkReadOnlyShape(toks); vi != nil {
		vs = append(vs, *vi)
	}
	if vi := checkForbiddenKeywords(toks); vi != nil {
		vs = append(vs, *vi)
	}
	if vi := checkForbiddenFunctions(toks); vi != nil {
		vs = append(vs, *vi)
	}
	if len(vs) > 0 {
		return invalid(vs...)
	}

	rewritten, vi := rewriteLimit(stmt, toks, v.maxRows, false)
	if vi != nil {
		return invalid(*vi)
	}
	return valid(rewritten)
}

// OverrideLimit sets the trailing row cap of an already validated statement
// to limit, whatever the statement asked for.
func OverrideLimit(sql string, limit int) Outcome {
	stmt, toks, lv := prepare(sql)
	if lv != nil {
		return invalid(*lv)
	}
	rewritten, vi := rewriteLimit(stmt, toks, limit, true)
	if vi != nil {
		return invalid(*vi)
	}
	return valid(rewritten)
}

// prepare trims the statement, lexes it and drops a single trailing
// semicolon.
func prepare(sql string) (string, []token, *Violation) {
	stmt := strings.TrimSpace(sql)
	if stmt == "" {
		return "", nil, &Violation{Code: CodeEmptyQuery, Message: "query is empty"}
	}
	toks, lv := lex(stmt)
	if lv != nil {
		return "", nil, lv
	}
	if n := len(toks); n > 0 && toks[n-1].isOp(";") {
		stmt = strings.TrimSpace(stmt[:toks[n-1].start])
		toks = toks[:n-1]
	}
	if len(toks) == 0 {
		return "", nil, &Violation{Code: CodeEmptyQuery, Message: "query is empty"}
	}
	return stmt, toks, nil
}

func checkSingleStatement(toks []token) *Violation {
	for _, t := range toks {
		if t.isOp(";") {
			return &Violation{Code: CodeMultipleStatements, Message: "only a single statement is allowed"}
		}
	}
	return nil
}

func checkReadOnlyShape(toks []token) *Violation {
	if toks[0].isWord("SELECT", "WITH") {
		return nil
	}
	return &Violation{Code: CodeNotReadOnly, Message: "only SELECT or WITH queries are allowed"}
}

func checkForbiddenKeywords(toks []token) *Violation {
	found := map[string]struct{}{}
	for i, t := range toks {
		if t.kind != tokWord || (i > 0 && toks[i-1].isOp(".")) {
			continue
		}
		upper := strings.ToUpper(t.text)
		if _, ok := forbiddenKeywords[upper]; ok {
			found[upper] = struct{}{}
		}
	}
	if len(found) == 0 {
		return nil
	}
	return &Violation{Code: CodeForbiddenKeyword, Message: "forbidden keywords: " + joinSorted(found)}
}

func checkForbiddenFunctions(toks []token) *Violation {
	found := map[string]struct{}{}
	for i, t := range toks {
		if t.kind != tokWord || i+1 >= len(toks) || !toks[i+1].isOp("(") {
			continue
		}
		name := strings.ToLower(t.text)
		if _, ok := forbiddenFunctions[name]; ok {
			found[name] = struct{}{}
			continue
		}
		for _, p := range forbiddenFunctionPrefixes {
			if strings.HasPrefix(name, p) {
				found[name] = struct{}{}
				break
			}
		}
	}
	if len(found) == 0 {
		return nil
	}
	return &Violation{Code: CodeForbiddenFunction, Message: "forbidden functions: " + joinSorted(found)}
}

// rewriteLimit enforces limit on the outermost LIMIT clause. Without force an
// existing smaller limit is kept; LIMIT ALL and larger values are replaced.
// A missing clause is appended.
func rewriteLimit(stmt string, toks []token, limit int, force bool) (string, *Violation) {
	ds := depths(toks)
	idx := -1
	for i, t := range toks {
		if ds[i] == 0 && t.isWord("LIMIT") {
			idx = i
		}
	}
	if idx < 0 {
		return stmt + " LIMIT " + strconv.Itoa(limit), nil
	}

	unsupported := &Violation{Code: CodeUnsupportedLimit, Message: "LIMIT must be a plain integer or ALL at the end of the query"}
	rest := toks[idx+1:]
	if len(rest) == 0 {
		return "", unsupported
	}
	val := rest[0]
	if !val.isWord("ALL") && !isInteger(val) {
		return "", unsupported
	}
	tail := rest[1:]
	if len(tail) != 0 && !(len(tail) == 2 && tail[0].isWord("OFFSET") && isInteger(tail[1])) {
		return "", unsupported
	}

	if !force && isInteger(val) {
		if n, err := strconv.Atoi(val.text); err == nil && n <= limit {
			return stmt, nil
		}
	}
	return stmt[:val.start] + strconv.Itoa(limit) + stmt[val.end:], nil
}

func isInteger(t token) bool {
	if t.kind != tokNumber {
		return false
	}
	for _, r := range t.text {
		if !isDigit(r) {
			return false
		}
	}
	return true
}

func joinSorted(set map[string]struct{}) string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return strings.Join(out, ", ")
}
