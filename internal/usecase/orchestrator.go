package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"labsql-agent/internal/domain"
	"labsql-agent/internal/metrics"
	"labsql-agent/internal/sqlguard"
	"labsql-agent/internal/tools"
)

// conversation is the state of one request. It is created by Generate, owned
// by a single orchestrator run and dropped when the run returns.
type conversation struct {
	messages      []domain.ChatMessage
	iteration     int
	maxIterations int
	startedAt     time.Time
	deadline      time.Time
	retries       int
	forced        bool
	scope         tools.Scope
	recorder      *recorder
	log           zerolog.Logger
}

func (c *conversation) append(msgs ...domain.ChatMessage) {
	c.messages = append(c.messages, msgs...)
}

func (c *conversation) appendReply(reply domain.ReasonerReply) {
	c.append(domain.ChatMessage{
		Role:      domain.RoleAssistant,
		Content:   reply.Content,
		ToolCalls: reply.ToolCalls,
	})
}

func (c *conversation) answer(callID, content string) {
	c.append(domain.ChatMessage{Role: domain.RoleTool, ToolCallID: callID, Content: content})
}

// orchestrator drives the reasoning service through a bounded number of turns.
type orchestrator struct {
	reasoner   Reasoner
	dispatcher ToolDispatcher
	guard      SQLValidator
	now        func() time.Time
}

func (o *orchestrator) expired(conv *conversation) bool {
	return !o.now().Before(conv.deadline)
}

func (o *orchestrator) request(conv *conversation, requireFinal bool) domain.ReasonerRequest {
	req := domain.ReasonerRequest{
		Messages: conv.messages,
		Tools:    tools.Definitions(),
	}
	if requireFinal {
		req.RequireFinal = true
		req.FinalTool = string(tools.FinalizeAnswer)
	}
	return req
}

// run executes the loop and always returns a terminal decision.
func (o *orchestrator) run(ctx context.Context, conv *conversation) Decision {
	for conv.iteration < conv.maxIterations {
		if o.expired(conv) {
			return o.fail(conv, ErrorTimeout, "deadline exceeded before the next reasoning round", nil)
		}
		conv.iteration++

		reply, err := o.reasoner.Next(ctx, o.request(conv, false))
		if err != nil {
			return o.upstreamFailure(ctx, conv, err)
		}
		conv.appendReply(reply)

		if len(reply.ToolCalls) == 0 {
			conv.append(nudgeMessage())
			continue
		}
		if call, ok := o.dispatchTurn(ctx, conv, reply, domain.PhaseExplore); ok {
			return o.finalize(ctx, conv, call, domain.PhaseExplore)
		}
	}

	return o.forceCompletion(ctx, conv)
}

// forceCompletion spends the single extra round after the budget is used up.
func (o *orchestrator) forceCompletion(ctx context.Context, conv *conversation) Decision {
	if o.expired(conv) {
		return o.fail(conv, ErrorTimeout, "deadline exceeded before forced completion", nil)
	}
	conv.forced = true
	conv.iteration++
	conv.append(forcedCompletionMessage())

	reply, err := o.reasoner.Next(ctx, o.request(conv, true))
	if err != nil {
		return o.upstreamFailure(ctx, conv, err)
	}
	conv.appendReply(reply)

	call, ok := o.dispatchTurn(ctx, conv, reply, domain.PhaseForced)
	if !ok {
		return o.fail(conv, ErrorNoFinalQuery, "no final query after forced completion", nil)
	}
	d := o.finalize(ctx, conv, call, domain.PhaseForced)
	if !d.OK && d.Code == ErrorValidationFailed {
		d.Code = ErrorNoFinalQuery
	}
	return d
}

// dispatchTurn executes every non-final tool call of a reply in order and
// returns the first finalize_answer call, if any. The final call is left
// unanswered for finalize.
func (o *orchestrator) dispatchTurn(ctx context.Context, conv *conversation, reply domain.ReasonerReply, phase string) (domain.ToolCall, bool) {
	var final domain.ToolCall
	found := false
	for _, call := range reply.ToolCalls {
		if call.Name == string(tools.FinalizeAnswer) {
			if !found {
				final, found = call, true
				continue
			}
			feedback := duplicateFinalFeedback()
			conv.recorder.record(conv.iteration, phase, call.Name, call.Arguments, feedback)
			conv.answer(call.ID, feedback)
			continue
		}

		outcome := o.dispatcher.Dispatch(ctx, conv.scope, call)
		metrics.RecordToolCall(call.Name, outcome.OK)
		content := outcome.Content()
		if !outcome.OK {
			conv.log.Warn().Str("tool", call.Name).Str("error", outcome.Message).Msg("tool call failed")
		}
		conv.recorder.record(conv.iteration, phase, call.Name, call.Arguments, content)
		conv.answer(call.ID, content)
	}
	return final, found
}

// finalize validates a candidate. A rejection buys exactly one corrective
// round that does not count against the iteration budget.
func (o *orchestrator) finalize(ctx context.Context, conv *conversation, call domain.ToolCall, phase string) Decision {
	for {
		answer, err := parseFinalAnswer(call.Arguments)
		var outcome sqlguard.Outcome
		if err != nil {
			outcome = malformedAnswer(err)
		} else {
			outcome = o.guard.Validate(answer.SQL, conv.scope.PatientID, conv.scope.PatientCount)
		}

		if outcome.Valid() {
			conv.recorder.record(conv.iteration, phase, call.Name, call.Arguments, "accepted: "+outcome.SQL)
			return Decision{
				OK:               true,
				SQL:              outcome.SQL,
				Explanation:      answer.Explanation,
				Confidence:       answer.Confidence,
				IterationCount:   conv.iteration,
				ForcedCompletion: conv.forced,
				Trace:            conv.recorder.trace(),
			}
		}

		conv.recorder.record(conv.iteration, phase, call.Name, call.Arguments, "rejected: "+outcome.Message())
		metrics.RecordValidationRejection(string(outcome.Code()))
		conv.log.Info().Str("violation", string(outcome.Code())).Int("retries", conv.retries).Msg("final query rejected")

		if conv.retries >= 1 {
			return o.fail(conv, ErrorValidationFailed, outcome.Message(), &outcome)
		}
		conv.retries++
		conv.answer(call.ID, rejectionFeedback(outcome))

		if o.expired(conv) {
			return o.fail(conv, ErrorTimeout, "deadline exceeded before the corrective round", &outcome)
		}
		reply, err := o.reasoner.Next(ctx, o.request(conv, true))
		if err != nil {
			return o.upstreamFailure(ctx, conv, err)
		}
		conv.appendReply(reply)

		next, ok := o.dispatchTurn(ctx, conv, reply, domain.PhaseRetry)
		if !ok {
			return o.fail(conv, ErrorValidationFailed, outcome.Message(), &outcome)
		}
		call, phase = next, domain.PhaseRetry
	}
}

func (o *orchestrator) upstreamFailure(ctx context.Context, conv *conversation, err error) Decision {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return o.fail(conv, ErrorTimeout, "deadline exceeded while waiting for the reasoning service", nil)
	}
	conv.log.Error().Err(err).Msg("reasoning service call failed")
	if status, ok := upstreamStatusCode(err); ok && status == 429 {
		return o.fail(conv, ErrorRateLimited, "reasoning service rate limited the request", nil)
	}
	return o.fail(conv, ErrorUpstream, "reasoning service call failed", nil)
}

func (o *orchestrator) fail(conv *conversation, code ErrorCode, message string, last *sqlguard.Outcome) Decision {
	d := Decision{
		Code:             code,
		Message:          message,
		IterationCount:   conv.iteration,
		ForcedCompletion: conv.forced,
		Trace:            conv.recorder.trace(),
	}
	if last != nil {
		d.ViolationCode = last.Code()
		d.Violations = last.Violations
	}
	return d
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
