package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"labsql-agent/internal/domain"
)

const (
	skPrefixReq  = "REQ#"
	skStats      = "META#STATS"
	noPatient    = "#none" // never a valid patient id
	ttlDuration  = 90 * 24 * time.Hour // 90-day TTL
	skTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// AuditLog is the audit collaborator consumed by the SQL service and the
// HTTP runner.
type AuditLog interface {
	SaveDecision(ctx context.Context, rec domain.AuditRecord) error
	ListDecisions(ctx context.Context, patientID string, limit int) ([]domain.AuditRecord, error)
	GetPatientStats(ctx context.Context, patientID string) (domain.PatientStats, error)
}

// Client wraps a DynamoDB table holding the decision audit trail.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

// patientPK returns the partition key for a patient's audit trail. Requests
// against a single-patient database have no patient and share one partition
// whose marker cannot collide with a patient id.
func patientPK(patientID string) string {
	if patientID == "" {
		patientID = noPatient
	}
	return "PATIENT#" + patientID
}

// decisionSK orders decisions chronologically within a patient partition.
func decisionSK(startedAt time.Time, requestID string) string {
	return skPrefixReq + startedAt.UTC().Format(skTimeLayout) + "#" + requestID
}

func (c *Client) ttlValue() int64 {
	return c.now().Add(ttlDuration).Unix()
}

// SaveDecision writes one decision item and bumps the patient's stats in a
// single transaction. A decision is never overwritten.
func (c *Client) SaveDecision(ctx context.Context, rec domain.AuditRecord) error {
	if strings.TrimSpace(rec.RequestID) == "" {
		return errors.New("repository: SaveDecision: request id is required")
	}
	if rec.StartedAt.IsZero() {
		return errors.New("repository: SaveDecision: start time is required")
	}

	item := decisionItem(rec, c.ttlValue())

	failed := 0
	if !rec.OK {
		failed = 1
	}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                item,
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Update: &types.Update{
					TableName: aws.String(c.tableName),
					Key: map[string]types.AttributeValue{
						"PK": &types.AttributeValueMemberS{Value: patientPK(rec.PatientID)},
						"SK": &types.AttributeValueMemberS{Value: skStats},
					},
					UpdateExpression: aws.String("SET lastActivity = :ts, #ttl = :ttl ADD decisions :one, failures :failed"),
					ExpressionAttributeNames: map[string]string{
						"#ttl": "ttl",
					},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":ts":     &types.AttributeValueMemberS{Value: rec.StartedAt.UTC().Format(time.RFC3339Nano)},
						":ttl":    numAttr(c.ttlValue()),
						":one":    numAttr(1),
						":failed": numAttr(int64(failed)),
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: SaveDecision: %w", err)
	}
	return nil
}

// ListDecisions returns up to limit decisions for a patient, newest first.
func (c *Client) ListDecisions(ctx context.Context, patientID string, limit int) ([]domain.AuditRecord, error) {
	if limit <= 0 {
		return nil, errors.New("repository: ListDecisions: limit must be positive")
	}

	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: patientPK(patientID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixReq},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: ListDecisions query: %w", err)
	}

	recs := make([]domain.AuditRecord, 0, len(out.Items))
	for _, item := range out.Items {
		rec, err := itemToRecord(item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListDecisions unmarshal: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// GetPatientStats returns the running tally for a patient. A patient with no
// recorded decisions yields zero stats.
func (c *Client) GetPatientStats(ctx context.Context, patientID string) (domain.PatientStats, error) {
	stats := domain.PatientStats{PatientID: patientID}
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: patientPK(patientID)},
			"SK": &types.AttributeValueMemberS{Value: skStats},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return stats, fmt.Errorf("repository: GetPatientStats get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return stats, nil
	}

	if stats.Decisions, err = intAttr(out.Item, "decisions"); err != nil {
		return stats, fmt.Errorf("repository: GetPatientStats decode decisions: %w", err)
	}
	if stats.Failures, err = intAttr(out.Item, "failures"); err != nil {
		return stats, fmt.Errorf("repository: GetPatientStats decode failures: %w", err)
	}
	if ts, _ := strAttr(out.Item, "lastActivity"); ts != "" {
		stats.LastActivity, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return stats, fmt.Errorf("repository: GetPatientStats decode lastActivity: %w", err)
		}
	}
	return stats, nil
}

func decisionItem(rec domain.AuditRecord, ttl int64) map[string]types.AttributeValue {
	trace := make([]types.AttributeValue, 0, len(rec.Trace))
	for _, it := range rec.Trace {
		trace = append(trace, &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"iteration":     numAttr(int64(it.Iteration)),
			"phase":         &types.AttributeValueMemberS{Value: it.Phase},
			"tool":          &types.AttributeValueMemberS{Value: it.Tool},
			"params":        &types.AttributeValueMemberS{Value: string(it.Params)},
			"resultPreview": &types.AttributeValueMemberS{Value: it.ResultPreview},
			"timestamp":     &types.AttributeValueMemberS{Value: it.Timestamp.UTC().Format(time.RFC3339Nano)},
		}})
	}

	return map[string]types.AttributeValue{
		"PK":            &types.AttributeValueMemberS{Value: patientPK(rec.PatientID)},
		"SK":            &types.AttributeValueMemberS{Value: decisionSK(rec.StartedAt, rec.RequestID)},
		"requestId":     &types.AttributeValueMemberS{Value: rec.RequestID},
		"patientId":     &types.AttributeValueMemberS{Value: rec.PatientID},
		"patientCount":  numAttr(int64(rec.PatientCount)),
		"question":      &types.AttributeValueMemberS{Value: rec.Question},
		"ok":            &types.AttributeValueMemberBOOL{Value: rec.OK},
		"sql":           &types.AttributeValueMemberS{Value: rec.SQL},
		"explanation":   &types.AttributeValueMemberS{Value: rec.Explanation},
		"confidence":    &types.AttributeValueMemberS{Value: rec.Confidence},
		"code":          &types.AttributeValueMemberS{Value: rec.Code},
		"violationCode": &types.AttributeValueMemberS{Value: rec.ViolationCode},
		"message":       &types.AttributeValueMemberS{Value: rec.Message},
		"iterations":    numAttr(int64(rec.IterationCount)),
		"forced":        &types.AttributeValueMemberBOOL{Value: rec.ForcedCompletion},
		"startedAt":     &types.AttributeValueMemberS{Value: rec.StartedAt.UTC().Format(time.RFC3339Nano)},
		"durationMs":    numAttr(rec.Duration.Milliseconds()),
		"trace":         &types.AttributeValueMemberL{Value: trace},
		"ttl":           numAttr(ttl),
	}
}

// itemToRecord converts a DynamoDB attribute map to an AuditRecord.
func itemToRecord(item map[string]types.AttributeValue) (domain.AuditRecord, error) {
	var rec domain.AuditRecord
	var err error

	if rec.RequestID, err = strAttr(item, "requestId"); err != nil {
		return rec, err
	}
	started, err := strAttr(item, "startedAt")
	if err != nil {
		return rec, err
	}
	if rec.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return rec, fmt.Errorf("repository: parse startedAt: %w", err)
	}
	ok, err := boolAttr(item, "ok")
	if err != nil {
		return rec, err
	}
	rec.OK = ok

	rec.PatientID, _ = strAttr(item, "patientId")
	rec.Question, _ = strAttr(item, "question")
	rec.SQL, _ = strAttr(item, "sql")
	rec.Explanation, _ = strAttr(item, "explanation")
	rec.Confidence, _ = strAttr(item, "confidence")
	rec.Code, _ = strAttr(item, "code")
	rec.ViolationCode, _ = strAttr(item, "violationCode")
	rec.Message, _ = strAttr(item, "message")
	rec.PatientCount, _ = intAttr(item, "patientCount")
	rec.IterationCount, _ = intAttr(item, "iterations")
	rec.ForcedCompletion, _ = boolAttr(item, "forced")
	if ms, err := intAttr(item, "durationMs"); err == nil {
		rec.Duration = time.Duration(ms) * time.Millisecond
	}

	if l, ok := item["trace"].(*types.AttributeValueMemberL); ok {
		for i, v := range l.Value {
			m, ok := v.(*types.AttributeValueMemberM)
			if !ok {
				return rec, fmt.Errorf("repository: trace entry %d is not a map", i)
			}
			it, err := itemToIteration(m.Value)
			if err != nil {
				return rec, fmt.Errorf("repository: trace entry %d: %w", i, err)
			}
			rec.Trace = append(rec.Trace, it)
		}
	}
	return rec, nil
}

func itemToIteration(m map[string]types.AttributeValue) (domain.IterationRecord, error) {
	var it domain.IterationRecord
	var err error
	if it.Iteration, err = intAttr(m, "iteration"); err != nil {
		return it, err
	}
	if it.Phase, err = strAttr(m, "phase"); err != nil {
		return it, err
	}
	it.Tool, _ = strAttr(m, "tool")
	it.ResultPreview, _ = strAttr(m, "resultPreview")
	if params, _ := strAttr(m, "params"); params != "" {
		it.Params = json.RawMessage(params)
	}
	if ts, _ := strAttr(m, "timestamp"); ts != "" {
		if it.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return it, fmt.Errorf("repository: parse timestamp: %w", err)
		}
	}
	return it, nil
}

func numAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func boolAttr(item map[string]types.AttributeValue, key string) (bool, error) {
	v, ok := item[key]
	if !ok {
		return false, fmt.Errorf("repository: missing attribute %q", key)
	}
	b, ok := v.(*types.AttributeValueMemberBOOL)
	if !ok {
		return false, fmt.Errorf("repository: attribute %q is not a boolean", key)
	}
	return b.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
