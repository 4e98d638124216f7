package usecase

import (
	"encoding/json"
	"time"
	"unicode/utf8"

	"labsql-agent/internal/domain"
)

const previewLimit = 500

// recorder keeps the ordered, append-only trace of one request.
type recorder struct {
	now     func() time.Time
	records []domain.IterationRecord
}

func newRecorder(now func() time.Time) *recorder {
	return &recorder{now: now}
}

func (r *recorder) record(iteration int, phase, tool, params, result string) {
	r.records = append(r.records, domain.IterationRecord{
		Iteration:     iteration,
		Phase:         phase,
		Tool:          tool,
		Params:        rawParams(params),
		ResultPreview: preview(result),
		Timestamp:     r.now().UTC(),
	})
}

// trace returns a copy so later appends never alias a handed-out slice.
func (r *recorder) trace() []domain.IterationRecord {
	out := make([]domain.IterationRecord, len(r.records))
	copy(out, r.records)
	return out
}

func rawParams(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	b, _ := json.Marshal(s)
	return b
}

func preview(s string) string {
	if utf8.RuneCountInString(s) <= previewLimit {
		return s
	}
	runes := []rune(s)
	return string(runes[:previewLimit]) + "..."
}
