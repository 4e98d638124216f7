package sqlguard

import "strings"

// Code identifies why a statement was rejected.
type Code string

const (
	CodeEmptyQuery         Code = "EMPTY_QUERY"
	CodeMalformedQuery     Code = "MALFORMED_QUERY"
	CodeCommentNotAllowed  Code = "COMMENT_NOT_ALLOWED"
	CodeMultipleStatements Code = "MULTIPLE_STATEMENTS"
	CodeNotReadOnly        Code = "NOT_READ_ONLY"
	CodeForbiddenKeyword   Code = "FORBIDDEN_KEYWORD"
	CodeForbiddenFunction  Code = "FORBIDDEN_FUNCTION"
	CodeUnsupportedLimit   Code = "UNSUPPORTED_LIMIT"

	CodeSetOperationNotAllowed Code = "SET_OPERATION_NOT_ALLOWED"
	CodeTautologyNotAllowed    Code = "TAUTOLOGY_NOT_ALLOWED"
	CodeMissingPatientFilter   Code = "MISSING_PATIENT_FILTER"
	CodeCrossPatientLeak       Code = "CROSS_PATIENT_LEAK"
)

// Violation is a single reason a statement was rejected. Literals names the
// offending identifiers for cross-patient leaks.
type Violation struct {
	Code     Code     `json:"code"`
	Message  string   `json:"message"`
	Literals []string `json:"literals,omitempty"`
}

// Outcome is the result of a validation stage: either a rewritten statement
// or at least one violation. Rejection is a normal result, not an error.
type Outcome struct {
	SQL        string
	Violations []Violation
}

func (o Outcome) Valid() bool {
	return len(o.Violations) == 0
}

// Code returns the primary violation code, or "" for a valid outcome.
func (o Outcome) Code() Code {
	if o.Valid() {
		return ""
	}
	return o.Violations[0].Code
}

// Message joins all violations into feedback text.
func (o Outcome) Message() string {
	parts := make([]string, 0, len(o.Violations))
	for _, v := range o.Violations {
		parts = append(parts, string(v.Code)+": "+v.Message)
	}
	return strings.Join(parts, "; ")
}

func valid(sql string) Outcome {
	return Outcome{SQL: sql}
}

func invalid(vs ...Violation) Outcome {
	return Outcome{Violations: vs}
}
