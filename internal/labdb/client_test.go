package labdb

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"labsql-agent/internal/domain"
)

type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assign(r.vals, dest)
}

type fakeRows struct {
	pgx.Rows
	cols   []string
	data   [][]any
	idx    int
	err    error
	closed bool
}

func (r *fakeRows) Close() { r.closed = true }

func (r *fakeRows) Err() error { return r.err }

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error { return assign(r.data[r.idx-1], dest) }

func (r *fakeRows) Values() ([]any, error) { return r.data[r.idx-1], nil }

func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription {
	out := make([]pgconn.FieldDescription, len(r.cols))
	for i, c := range r.cols {
		out[i] = pgconn.FieldDescription{Name: c}
	}
	return out
}

type fakeTx struct {
	pgx.Tx
	rows       *fakeRows
	queryErr   error
	execErr    error
	execs      []string
	execArgs   [][]any
	query      string
	queryArgs  []any
	rolledBack bool
}

func (t *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.execs = append(t.execs, sql)
	t.execArgs = append(t.execArgs, args)
	return pgconn.CommandTag{}, t.execErr
}

func (t *fakeTx) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	t.query = sql
	t.queryArgs = args
	if t.queryErr != nil {
		return nil, t.queryErr
	}
	return t.rows, nil
}

func (t *fakeTx) Rollback(context.Context) error {
	t.rolledBack = true
	return nil
}

type fakePool struct {
	row      fakeRow
	rowQuery string
	rowArgs  []any
	rows     *fakeRows
	query    string
	tx       *fakeTx
	txOpts   pgx.TxOptions
	beginErr error
}

func (p *fakePool) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	p.rowQuery = sql
	p.rowArgs = args
	return p.row
}

func (p *fakePool) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	p.query = sql
	return p.rows, nil
}

func (p *fakePool) BeginTx(_ context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	p.txOpts = opts
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	return p.tx, nil
}

func (p *fakePool) Ping(context.Context) error { return nil }

func assign(vals []any, dest []any) error {
	if len(vals) != len(dest) {
		return fmt.Errorf("scan: %d values into %d targets", len(vals), len(dest))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = vals[i].(string)
		case *float64:
			*p = vals[i].(float64)
		case *int64:
			*p = vals[i].(int64)
		case *bool:
			*p = vals[i].(bool)
		default:
			return fmt.Errorf("scan: unsupported target %T", d)
		}
	}
	return nil
}

func newTestClient(t *testing.T, p *fakePool) *Client {
	t.Helper()
	c, err := New(p, Config{StatementTimeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func TestNewRequiresPool(t *testing.T) {
	_, err := New(nil, Config{})
	require.Error(t, err)
}

func TestCountPatients(t *testing.T) {
	p := &fakePool{row: fakeRow{vals: []any{int64(3)}}}
	c := newTestClient(t, p)

	n, err := c.CountPatients(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, `SELECT count(DISTINCT "patient_id") FROM lab_results`, p.rowQuery)
}

func TestCountPatientsError(t *testing.T) {
	c := newTestClient(t, &fakePool{row: fakeRow{err: errors.New("boom")}})

	_, err := c.CountPatients(context.Background())
	require.ErrorContains(t, err, "count patients")
}

func TestPatientExists(t *testing.T) {
	p := &fakePool{row: fakeRow{vals: []any{true}}}
	c := newTestClient(t, p)

	ok, err := c.PatientExists(context.Background(), "A")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []any{"A"}, p.rowArgs)
}

func TestSearchParameterNames(t *testing.T) {
	tx := &fakeTx{rows: &fakeRows{data: [][]any{{"Vitamin D", 0.8}, {"Vitamin D3", 0.6}}}}
	p := &fakePool{tx: tx}
	c := newTestClient(t, p)

	matches, err := c.SearchParameterNames(context.Background(), "vit d", "A", 0.3, 5)
	require.NoError(t, err)
	require.Equal(t, []domain.NameMatch{{Name: "Vitamin D", Similarity: 0.8}, {Name: "Vitamin D3", Similarity: 0.6}}, matches)

	require.Equal(t, pgx.ReadOnly, p.txOpts.AccessMode)
	require.Equal(t, []string{"SELECT set_config('pg_trgm.similarity_threshold', $1, true)"}, tx.execs)
	require.Equal(t, []any{"0.3"}, tx.execArgs[0])
	require.Contains(t, tx.query, "parameter_name % $1")
	require.Contains(t, tx.query, `AND "patient_id" = $3`)
	require.Contains(t, tx.query, "ORDER BY score DESC, parameter_name ASC")
	require.Equal(t, []any{"vit d", 5, "A"}, tx.queryArgs)
	require.True(t, tx.rolledBack)
	require.True(t, tx.rows.closed)
}

func TestSearchParameterNamesWithoutPatientReturnsEmptyList(t *testing.T) {
	tx := &fakeTx{rows: &fakeRows{}}
	c := newTestClient(t, &fakePool{tx: tx})

	matches, err := c.SearchParameterNames(context.Background(), "zzz", "", 0.3, 5)
	require.NoError(t, err)
	require.NotNil(t, matches)
	require.Empty(t, matches)
	require.NotContains(t, tx.query, "$3")
	require.Equal(t, []any{"zzz", 5}, tx.queryArgs)
}

func TestSearchParameterNamesThresholdFailure(t *testing.T) {
	tx := &fakeTx{execErr: errors.New("unrecognized configuration parameter")}
	c := newTestClient(t, &fakePool{tx: tx})

	_, err := c.SearchParameterNames(context.Background(), "x", "", 0.3, 5)
	require.ErrorContains(t, err, "set similarity threshold")
	require.Empty(t, tx.query)
}

func TestRunReadOnly(t *testing.T) {
	id := uuid.MustParse("4a3c7f0e-8d4e-4f55-9b3c-2a1f0e9d8c7b")
	at := time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)
	tx := &fakeTx{rows: &fakeRows{
		cols: []string{"id", "parameter_name", "taken_at", "raw"},
		data: [][]any{{[16]byte(id), "Vitamin D", at, []byte("x")}},
	}}
	p := &fakePool{tx: tx}
	c := newTestClient(t, p)

	res, err := c.RunReadOnly(context.Background(), "SELECT * FROM lab_results LIMIT 20")
	require.NoError(t, err)
	require.Equal(t, pgx.ReadOnly, p.txOpts.AccessMode)
	require.Equal(t, []string{"SET LOCAL statement_timeout = 5000"}, tx.execs)
	require.Equal(t, "SELECT * FROM lab_results LIMIT 20", tx.query)
	require.Equal(t, []string{"id", "parameter_name", "taken_at", "raw"}, res.Columns)
	require.Equal(t, 1, res.RowCount)
	require.Equal(t, map[string]any{
		"id":             id.String(),
		"parameter_name": "Vitamin D",
		"taken_at":       "2024-03-01T08:30:00Z",
		"raw":            "x",
	}, res.Rows[0])
	require.True(t, tx.rolledBack)
}

func TestRunReadOnlyErrors(t *testing.T) {
	c := newTestClient(t, &fakePool{beginErr: errors.New("pool closed")})
	_, err := c.RunReadOnly(context.Background(), "SELECT 1")
	require.ErrorContains(t, err, "begin read-only")

	c = newTestClient(t, &fakePool{tx: &fakeTx{queryErr: errors.New("syntax error")}})
	_, err = c.RunReadOnly(context.Background(), "SELECT")
	require.ErrorContains(t, err, "syntax error")

	c = newTestClient(t, &fakePool{tx: &fakeTx{rows: &fakeRows{err: errors.New("canceling statement due to statement timeout")}}})
	_, err = c.RunReadOnly(context.Background(), "SELECT 1")
	require.ErrorContains(t, err, "statement timeout")
}

func TestDescribeSchema(t *testing.T) {
	p := &fakePool{rows: &fakeRows{data: [][]any{
		{"lab_results", "patient_id", "text"},
		{"lab_results", "parameter_name", "text"},
		{"lab_results", "value", "numeric"},
		{"patients", "id", "text"},
	}}}
	c := newTestClient(t, p)

	schema, err := c.DescribeSchema(context.Background())
	require.NoError(t, err)
	require.Equal(t, "lab_results(patient_id text, parameter_name text, value numeric)\npatients(id text)", schema)
	require.Contains(t, p.query, "information_schema.columns")
}

func TestDescribeSchemaEmpty(t *testing.T) {
	c := newTestClient(t, &fakePool{rows: &fakeRows{}})

	_, err := c.DescribeSchema(context.Background())
	require.ErrorContains(t, err, "no tables")
}
