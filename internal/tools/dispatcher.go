package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"labsql-agent/internal/domain"
	"labsql-agent/internal/sqlguard"
)

// Store is the database surface the executable tools need.
type Store interface {
	SearchParameterNames(ctx context.Context, term, patientID string, threshold float64, limit int) ([]domain.NameMatch, error)
	RunReadOnly(ctx context.Context, sql string) (domain.QueryResult, error)
}

type Config struct {
	SimilarityThreshold float64
	MaxSearchResults    int
	ExplorationRowCap   int
}

// Scope is the per-request patient context every tool runs under.
type Scope struct {
	PatientID    string
	PatientCount int
}

// Outcome is the result of one tool dispatch. Failures are normal results
// that are fed back to the reasoning service.
type Outcome struct {
	OK         bool
	Payload    any
	Message    string
	Violations []sqlguard.Violation
}

// Content renders the outcome as the JSON text of a tool message.
func (o Outcome) Content() string {
	var v any = o.Payload
	if !o.OK {
		v = failurePayload{Error: o.Message, Violations: o.Violations}
	}
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(failurePayload{Error: "result could not be encoded: " + err.Error()})
	}
	return string(b)
}

// Failure builds a failed outcome.
func Failure(format string, args ...any) Outcome {
	return Outcome{Message: fmt.Sprintf(format, args...)}
}

type failurePayload struct {
	Error      string                `json:"error"`
	Violations []sqlguard.Violation `json:"violations,omitempty"`
}

type searchArgs struct {
	SearchTerm string `json:"search_term"`
	Limit      int    `json:"limit"`
}

// SearchPayload is the success payload of search_similar_names.
type SearchPayload struct {
	Matches []domain.NameMatch `json:"matches"`
}

type exploreArgs struct {
	SQL       string `json:"sql"`
	Reasoning string `json:"reasoning"`
}

// ExplorePayload is the success payload of run_exploratory_query.
type ExplorePayload struct {
	ExecutedSQL string           `json:"executed_sql"`
	Columns     []string         `json:"columns"`
	Rows        []map[string]any `json:"rows"`
	RowCount    int              `json:"row_count"`
}

type Dispatcher struct {
	store Store
	guard *sqlguard.Validator
	cfg   Config
}

func NewDispatcher(store Store, guard *sqlguard.Validator, cfg Config) (*Dispatcher, error) {
	if store == nil || guard == nil {
		return nil, errors.New("tools: store and validator are required")
	}
	if cfg.MaxSearchResults <= 0 || cfg.ExplorationRowCap <= 0 {
		return nil, errors.New("tools: result caps must be positive")
	}
	return &Dispatcher{store: store, guard: guard, cfg: cfg}, nil
}

// Dispatch executes one tool call. It never returns an error: every problem
// becomes a failed Outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, scope Scope, call domain.ToolCall) Outcome {
	name, ok := ParseName(call.Name)
	if !ok {
		return Failure("unknown tool %q", call.Name)
	}
	switch name {
	case SearchSimilarNames:
		return d.searchSimilarNames(ctx, scope, call.Arguments)
	case RunExploratoryQuery:
		return d.runExploratoryQuery(ctx, scope, call.Arguments)
	case FinalizeAnswer:
		return Failure("%s is not executed as a tool", FinalizeAnswer)
	}
	return Failure("unknown tool %q", call.Name)
}

func (d *Dispatcher) searchSimilarNames(ctx context.Context, scope Scope, raw string) Outcome {
	var args searchArgs
	if err := DecodeArgs(raw, &args); err != nil {
		return Failure("invalid arguments: %v", err)
	}
	term := strings.TrimSpace(args.SearchTerm)
	if term == "" {
		return Failure("search_term is required")
	}
	limit := args.Limit
	if limit <= 0 || limit > d.cfg.MaxSearchResults {
		limit = d.cfg.MaxSearchResults
	}

	matches, err := d.store.SearchParameterNames(ctx, term, scope.PatientID, d.cfg.SimilarityThreshold, limit)
	if err != nil {
		return Failure("search failed: %v", err)
	}
	if matches == nil {
		matches = []domain.NameMatch{}
	}
	return Outcome{OK: true, Payload: SearchPayload{Matches: matches}}
}

func (d *Dispatcher) runExploratoryQuery(ctx context.Context, scope Scope, raw string) Outcome {
	var args exploreArgs
	if err := DecodeArgs(raw, &args); err != nil {
		return Failure("invalid arguments: %v", err)
	}

	checked := d.guard.Validate(args.SQL, scope.PatientID, scope.PatientCount)
	if !checked.Valid() {
		return Outcome{Message: checked.Message(), Violations: checked.Violations}
	}
	capped := sqlguard.OverrideLimit(checked.SQL, d.cfg.ExplorationRowCap)
	if !capped.Valid() {
		return Outcome{Message: capped.Message(), Violations: capped.Violations}
	}

	res, err := d.store.RunReadOnly(ctx, capped.SQL)
	if err != nil {
		return Failure("query failed: %v", err)
	}
	rows := res.Rows
	if len(rows) > d.cfg.ExplorationRowCap {
		rows = rows[:d.cfg.ExplorationRowCap]
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return Outcome{OK: true, Payload: ExplorePayload{
		ExecutedSQL: capped.SQL,
		Columns:     res.Columns,
		Rows:        rows,
		RowCount:    len(rows),
	}}
}

// DecodeArgs strictly decodes a tool-call argument object.
func DecodeArgs(raw string, v any) error {
	if strings.TrimSpace(raw) == "" {
		raw = "{}"
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	var extra json.RawMessage
	if err := dec.Decode(&extra); err == nil {
		return errors.New("unexpected trailing data")
	}
	return nil
}
