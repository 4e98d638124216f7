package usecase

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"labsql-agent/internal/domain"
	"labsql-agent/internal/sqlguard"
	"labsql-agent/internal/tools"
)

// codeMalformedFinalAnswer marks a finalize_answer call whose arguments could
// not be decoded. It is handled like any other validation rejection.
const codeMalformedFinalAnswer sqlguard.Code = "MALFORMED_FINAL_ANSWER"

var confidenceLabels = map[string]bool{"high": true, "medium": true, "low": true}

type finalAnswer struct {
	SQL         string `json:"sql"`
	Explanation string `json:"explanation"`
	Confidence  string `json:"confidence"`
}

type promptContext struct {
	schema        string
	patientID     string
	patientColumn string
	maxRows       int
}

func buildSeedMessages(ctx promptContext, question string) []domain.ChatMessage {
	return []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: buildSystemPrompt(ctx)},
		{Role: domain.RoleUser, Content: question},
	}
}

func buildSystemPrompt(ctx promptContext) string {
	parts := []string{
		"Role:",
		"You translate a question about a patient's laboratory results into one PostgreSQL query.",
		"",
		"Database Schema:",
		strings.TrimSpace(ctx.schema),
		"",
		"Rules:",
		rules(ctx),
	}
	if ctx.patientID != "" {
		parts = append(parts,
			"",
			"Patient Scope:",
			fmt.Sprintf("All data access must be scoped to patient %s. Every query, including exploratory ones, "+
				"must filter %s = %s in the WHERE clause of each SELECT that reads a table, and must not mention any other patient. "+
				"When a SELECT reads several tables, qualify the filter with the table alias and join every other table on that alias's %s.",
				quoteLiteral(ctx.patientID), ctx.patientColumn, quoteLiteral(ctx.patientID), ctx.patientColumn),
		)
	}
	parts = append(parts, "", "Finishing:", finishContract())
	return strings.Join(parts, "\n")
}

func rules(ctx promptContext) string {
	return strings.Join([]string{
		"1) Use " + string(tools.SearchSimilarNames) + " to find the exact parameter_name before filtering on it.",
		"2) Use " + string(tools.RunExploratoryQuery) + " to check values, units or dates when unsure.",
		"3) Write a single read-only SELECT or WITH statement. No comments, no semicolons inside the query.",
		"4) Do not use UNION, INTERSECT or EXCEPT.",
		fmt.Sprintf("5) Results are capped at %d rows; put LIMIT at the very end if you need fewer.", ctx.maxRows),
	}, "\n")
}

func finishContract() string {
	return "When the query is ready, call " + string(tools.FinalizeAnswer) +
		" exactly once with sql, a short explanation and a confidence of high, medium or low."
}

func nudgeMessage() domain.ChatMessage {
	return domain.ChatMessage{
		Role: domain.RoleUser,
		Content: "Continue by calling one of the available tools, or call " +
			string(tools.FinalizeAnswer) + " if the query is ready.",
	}
}

func forcedCompletionMessage() domain.ChatMessage {
	return domain.ChatMessage{
		Role: domain.RoleUser,
		Content: "The exploration budget is exhausted. Call " + string(tools.FinalizeAnswer) +
			" now with the best query you have.",
	}
}

// rejectionFeedback is the tool result for a rejected finalize_answer call.
func rejectionFeedback(outcome sqlguard.Outcome) string {
	b, _ := json.Marshal(struct {
		Error       string                `json:"error"`
		Violations  []sqlguard.Violation `json:"violations"`
		Instruction string                `json:"instruction"`
	}{
		Error:       "final query rejected",
		Violations:  outcome.Violations,
		Instruction: "Fix every violation and call " + string(tools.FinalizeAnswer) + " again. This is the only retry.",
	})
	return string(b)
}

func duplicateFinalFeedback() string {
	return `{"error":"only the first ` + string(tools.FinalizeAnswer) + ` call of a turn is considered"}`
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// parseFinalAnswer strictly decodes finalize_answer arguments.
func parseFinalAnswer(raw string) (finalAnswer, error) {
	var out finalAnswer
	dec := json.NewDecoder(bytes.NewBufferString(strings.TrimSpace(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return finalAnswer{}, fmt.Errorf("usecase: decode final answer: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return finalAnswer{}, errors.New("usecase: decode final answer: multiple JSON values")
		}
		return finalAnswer{}, fmt.Errorf("usecase: decode final answer trailing data: %w", err)
	}
	out.SQL = strings.TrimSpace(out.SQL)
	out.Explanation = strings.TrimSpace(out.Explanation)
	out.Confidence = strings.ToLower(strings.TrimSpace(out.Confidence))
	if out.SQL == "" {
		return finalAnswer{}, errors.New("usecase: final answer missing sql")
	}
	if out.Confidence == "" {
		out.Confidence = "low"
	}
	if !confidenceLabels[out.Confidence] {
		return finalAnswer{}, fmt.Errorf("usecase: final answer confidence %q is not high, medium or low", out.Confidence)
	}
	return out, nil
}

func malformedAnswer(err error) sqlguard.Outcome {
	return sqlguard.Outcome{Violations: []sqlguard.Violation{{
		Code:    codeMalformedFinalAnswer,
		Message: strings.TrimPrefix(err.Error(), "usecase: "),
	}}}
}
