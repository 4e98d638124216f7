// Package labdb reads patient lab records from Postgres.
package labdb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"labsql-agent/internal/domain"
)

const labTable = "lab_results"

type pool interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

type Config struct {
	PatientColumn    string
	Schema           string
	StatementTimeout time.Duration
}

type Client struct {
	db  pool
	cfg Config
}

// Open connects a pool and verifies it with a ping.
func Open(ctx context.Context, dsn string, maxConns int) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("labdb: parse dsn: %w", err)
	}
	if maxConns > 0 {
		pcfg.MaxConns = int32(maxConns)
	}
	p, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("labdb: connect: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("labdb: ping: %w", err)
	}
	return p, nil
}

func New(db pool, cfg Config) (*Client, error) {
	if db == nil {
		return nil, errors.New("labdb: pool is required")
	}
	if strings.TrimSpace(cfg.PatientColumn) == "" {
		cfg.PatientColumn = "patient_id"
	}
	if strings.TrimSpace(cfg.Schema) == "" {
		cfg.Schema = "public"
	}
	return &Client{db: db, cfg: cfg}, nil
}

func (c *Client) patientColumn() string {
	return pgx.Identifier{c.cfg.PatientColumn}.Sanitize()
}

// CountPatients returns the number of distinct patients with lab records.
// Callers must not cache the result across requests.
func (c *Client) CountPatients(ctx context.Context) (int, error) {
	query := fmt.Sprintf("SELECT count(DISTINCT %s) FROM %s", c.patientColumn(), labTable)
	var n int64
	if err := c.db.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("labdb: count patients: %w", err)
	}
	return int(n), nil
}

func (c *Client) PatientExists(ctx context.Context, patientID string) (bool, error) {
	query := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE %s = $1)", labTable, c.patientColumn())
	var ok bool
	if err := c.db.QueryRow(ctx, query, patientID).Scan(&ok); err != nil {
		return false, fmt.Errorf("labdb: patient exists: %w", err)
	}
	return ok, nil
}

// SearchParameterNames ranks recorded parameter names by trigram similarity
// to term. The threshold is set transaction-locally so the % operator only
// returns candidates at or above it.
func (c *Client) SearchParameterNames(ctx context.Context, term, patientID string, threshold float64, limit int) ([]domain.NameMatch, error) {
	tx, err := c.db.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("labdb: begin search: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "SELECT set_config('pg_trgm.similarity_threshold', $1, true)",
		strconv.FormatFloat(threshold, 'f', -1, 64)); err != nil {
		return nil, fmt.Errorf("labdb: set similarity threshold: %w", err)
	}

	args := []any{term, limit}
	filter := ""
	if patientID != "" {
		filter = fmt.Sprintf(" AND %s = $3", c.patientColumn())
		args = append(args, patientID)
	}
	query := `
		SELECT parameter_name, max(similarity(parameter_name, $1))::float8 AS score
		FROM ` + labTable + `
		WHERE parameter_name % $1` + filter + `
		GROUP BY parameter_name
		ORDER BY score DESC, parameter_name ASC
		LIMIT $2`

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("labdb: search names: %w", err)
	}
	defer rows.Close()

	matches := []domain.NameMatch{}
	for rows.Next() {
		var m domain.NameMatch
		if err := rows.Scan(&m.Name, &m.Similarity); err != nil {
			return nil, fmt.Errorf("labdb: scan name match: %w", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("labdb: search names: %w", err)
	}
	return matches, nil
}

// RunReadOnly executes sql inside a READ ONLY transaction bounded by the
// statement timeout. sql must already have passed validation.
func (c *Client) RunReadOnly(ctx context.Context, sql string) (domain.QueryResult, error) {
	tx, err := c.db.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return domain.QueryResult{}, fmt.Errorf("labdb: begin read-only: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if c.cfg.StatementTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL statement_timeout = %d", c.cfg.StatementTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return domain.QueryResult{}, fmt.Errorf("labdb: set statement timeout: %w", err)
		}
	}

	rows, err := tx.Query(ctx, sql)
	if err != nil {
		return domain.QueryResult{}, fmt.Errorf("labdb: run query: %w", err)
	}
	defer rows.Close()

	var columns []string
	for _, fd := range rows.FieldDescriptions() {
		columns = append(columns, fd.Name)
	}
	res := domain.QueryResult{Columns: columns, Rows: []map[string]any{}}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return domain.QueryResult{}, fmt.Errorf("labdb: read row: %w", err)
		}
		row := make(map[string]any, len(vals))
		for i, v := range vals {
			if i < len(columns) {
				row[columns[i]] = plainValue(v)
			}
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return domain.QueryResult{}, fmt.Errorf("labdb: run query: %w", err)
	}
	res.RowCount = len(res.Rows)
	return res, nil
}

// DescribeSchema renders the tables and columns of the configured schema,
// one table per line.
func (c *Client) DescribeSchema(ctx context.Context) (string, error) {
	rows, err := c.db.Query(ctx, `
		SELECT table_name, column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = $1
		ORDER BY table_name, ordinal_position`, c.cfg.Schema)
	if err != nil {
		return "", fmt.Errorf("labdb: describe schema: %w", err)
	}
	defer rows.Close()

	var (
		b       strings.Builder
		current string
	)
	for rows.Next() {
		var table, column, dataType string
		if err := rows.Scan(&table, &column, &dataType); err != nil {
			return "", fmt.Errorf("labdb: scan column: %w", err)
		}
		switch {
		case table != current && current == "":
			fmt.Fprintf(&b, "%s(%s %s", table, column, dataType)
		case table != current:
			fmt.Fprintf(&b, ")\n%s(%s %s", table, column, dataType)
		default:
			fmt.Fprintf(&b, ", %s %s", column, dataType)
		}
		current = table
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("labdb: describe schema: %w", err)
	}
	if current == "" {
		return "", fmt.Errorf("labdb: schema %q has no tables", c.cfg.Schema)
	}
	b.WriteString(")")
	return b.String(), nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.Ping(ctx)
}

// plainValue converts driver values into JSON-friendly ones.
func plainValue(v any) any {
	switch t := v.(type) {
	case [16]byte:
		return uuid.UUID(t).String()
	case time.Time:
		return t.Format(time.RFC3339Nano)
	case pgtype.Numeric:
		f, err := t.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case []byte:
		return string(t)
	}
	return v
}
