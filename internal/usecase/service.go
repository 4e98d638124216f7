package usecase

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"labsql-agent/internal/domain"
	"labsql-agent/internal/logger"
	"labsql-agent/internal/metrics"
	"labsql-agent/internal/sqlguard"
	"labsql-agent/internal/tools"
)

const (
	defaultMaxIterations = 5
	defaultTimeout       = 90 * time.Second
	defaultMaxQuestion   = 500
)

var patientIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

type Reasoner interface {
	Next(ctx context.Context, req domain.ReasonerRequest) (domain.ReasonerReply, error)
}

// PatientDirectory is the part of the lab database read before the loop
// starts.
type PatientDirectory interface {
	CountPatients(ctx context.Context) (int, error)
	PatientExists(ctx context.Context, patientID string) (bool, error)
	DescribeSchema(ctx context.Context) (string, error)
}

type ToolDispatcher interface {
	Dispatch(ctx context.Context, scope tools.Scope, call domain.ToolCall) tools.Outcome
}

type SQLValidator interface {
	Validate(sql, patientID string, patientCount int) sqlguard.Outcome
	PatientColumn() string
	MaxRows() int
}

type AuditWriter interface {
	SaveDecision(ctx context.Context, rec domain.AuditRecord) error
}

type Options struct {
	MaxIterations     int
	Timeout           time.Duration
	MaxQuestionLength int
}

type SQLService struct {
	directory  PatientDirectory
	reasoner   Reasoner
	dispatcher ToolDispatcher
	guard      SQLValidator
	audit      AuditWriter
	opts       Options
	now        func() time.Time
}

type GenerateInput struct {
	Question  string
	PatientID string
	RequestID string
}

// Decision is the terminal result of one request. A failed decision is a
// normal result, not an error.
type Decision struct {
	OK               bool
	SQL              string
	Explanation      string
	Confidence       string
	Code             ErrorCode
	Message          string
	ViolationCode    sqlguard.Code
	Violations       []sqlguard.Violation
	IterationCount   int
	ForcedCompletion bool
	Trace            []domain.IterationRecord
}

func NewSQLService(dir PatientDirectory, r Reasoner, d ToolDispatcher, g SQLValidator, a AuditWriter, opts Options) (*SQLService, error) {
	if dir == nil {
		return nil, errors.New("usecase: patient directory must not be nil")
	}
	if r == nil {
		return nil, errors.New("usecase: reasoner must not be nil")
	}
	if d == nil {
		return nil, errors.New("usecase: tool dispatcher must not be nil")
	}
	if g == nil {
		return nil, errors.New("usecase: sql validator must not be nil")
	}
	if a == nil {
		return nil, errors.New("usecase: audit writer must not be nil")
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = defaultMaxIterations
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxQuestionLength <= 0 {
		opts.MaxQuestionLength = defaultMaxQuestion
	}
	return &SQLService{
		directory:  dir,
		reasoner:   r,
		dispatcher: d,
		guard:      g,
		audit:      a,
		opts:       opts,
		now:        time.Now,
	}, nil
}

// Generate turns a question into one validated SQL statement. Input and
// infrastructure problems before the loop are returned as *Error; everything
// after is reported through the Decision.
func (s *SQLService) Generate(ctx context.Context, in GenerateInput) (Decision, error) {
	question := strings.TrimSpace(in.Question)
	if question == "" {
		return Decision{}, newError(ErrorInvalidInput, "empty_question", nil)
	}
	if len([]rune(question)) > s.opts.MaxQuestionLength {
		return Decision{}, newError(ErrorInvalidInput, "question_too_long", nil)
	}
	patientID := strings.TrimSpace(in.PatientID)
	if patientID != "" && !patientIDPattern.MatchString(patientID) {
		return Decision{}, newError(ErrorInvalidInput, "invalid_patient_id", nil)
	}
	requestID := strings.TrimSpace(in.RequestID)
	if requestID == "" {
		requestID = newUUID()
	}

	// Read on every request: a patient added since the last request must be
	// scoped immediately.
	count, err := s.directory.CountPatients(ctx)
	if err != nil {
		return Decision{}, newError(ErrorInternal, "patient_count_error", err)
	}
	if count == 0 {
		return Decision{}, newError(ErrorInvalidInput, "no_patient_data", nil)
	}
	if count > 1 && patientID == "" {
		return Decision{}, newError(ErrorInvalidInput, "patient_required", nil)
	}
	if patientID != "" {
		exists, err := s.directory.PatientExists(ctx, patientID)
		if err != nil {
			return Decision{}, newError(ErrorInternal, "patient_lookup_error", err)
		}
		if !exists {
			return Decision{}, newError(ErrorInvalidInput, "unknown_patient", nil)
		}
	}

	schema, err := s.directory.DescribeSchema(ctx)
	if err != nil {
		return Decision{}, newError(ErrorInternal, "schema_error", err)
	}

	startedAt := s.now()
	log := logger.ForRequest(requestID)
	conv := &conversation{
		messages: buildSeedMessages(promptContext{
			schema:        schema,
			patientID:     patientID,
			patientColumn: s.guard.PatientColumn(),
			maxRows:       s.guard.MaxRows(),
		}, question),
		maxIterations: s.opts.MaxIterations,
		startedAt:     startedAt,
		deadline:      startedAt.Add(s.opts.Timeout),
		scope:         tools.Scope{PatientID: patientID, PatientCount: count},
		recorder:      newRecorder(s.now),
		log:           log,
	}

	runCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	o := &orchestrator{reasoner: s.reasoner, dispatcher: s.dispatcher, guard: s.guard, now: s.now}
	decision := o.run(runCtx, conv)
	elapsed := s.now().Sub(startedAt)

	metrics.RecordDecision(decision.OK, string(decision.Code), decision.IterationCount, elapsed)
	log.Info().
		Bool("ok", decision.OK).
		Str("code", string(decision.Code)).
		Str("violation", string(decision.ViolationCode)).
		Int("iterations", decision.IterationCount).
		Bool("forced", decision.ForcedCompletion).
		Int("patient_count", count).
		Dur("elapsed", elapsed).
		Msg("sql generation finished")

	rec := domain.AuditRecord{
		RequestID:        requestID,
		PatientID:        patientID,
		PatientCount:     count,
		Question:         question,
		OK:               decision.OK,
		SQL:              decision.SQL,
		Explanation:      decision.Explanation,
		Confidence:       decision.Confidence,
		Code:             string(decision.Code),
		ViolationCode:    string(decision.ViolationCode),
		Message:          decision.Message,
		IterationCount:   decision.IterationCount,
		ForcedCompletion: decision.ForcedCompletion,
		StartedAt:        startedAt,
		Duration:         elapsed,
		Trace:            decision.Trace,
	}
	// The caller's context may already be spent; the audit write gets its own.
	auditCtx, auditCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer auditCancel()
	if err := s.audit.SaveDecision(auditCtx, rec); err != nil {
		metrics.RecordAuditFailure()
		log.Error().Err(err).Msg("audit write failed")
	}

	return decision, nil
}

var newUUID = func() string {
	return uuid.NewString()
}
