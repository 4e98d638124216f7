package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"labsql-agent/internal/domain"
	"labsql-agent/internal/sqlguard"
)

type searchCall struct {
	term      string
	patientID string
	threshold float64
	limit     int
}

type fakeStore struct {
	matches   []domain.NameMatch
	searchErr error
	result    domain.QueryResult
	runErr    error

	searches []searchCall
	executed []string
}

func (f *fakeStore) SearchParameterNames(_ context.Context, term, patientID string, threshold float64, limit int) ([]domain.NameMatch, error) {
	f.searches = append(f.searches, searchCall{term: term, patientID: patientID, threshold: threshold, limit: limit})
	return f.matches, f.searchErr
}

func (f *fakeStore) RunReadOnly(_ context.Context, sql string) (domain.QueryResult, error) {
	f.executed = append(f.executed, sql)
	return f.result, f.runErr
}

func newTestDispatcher(t *testing.T, store *fakeStore) *Dispatcher {
	t.Helper()
	guard, err := sqlguard.NewValidator(50, "patient_id")
	require.NoError(t, err)
	d, err := NewDispatcher(store, guard, Config{SimilarityThreshold: 0.3, MaxSearchResults: 10, ExplorationRowCap: 20})
	require.NoError(t, err)
	return d
}

func TestParseName(t *testing.T) {
	n, ok := ParseName("run_exploratory_query")
	require.True(t, ok)
	require.Equal(t, RunExploratoryQuery, n)

	_, ok = ParseName("drop_database")
	require.False(t, ok)
}

func TestDefinitionsCoverEveryTool(t *testing.T) {
	defs := Definitions()
	require.Len(t, defs, 3)
	for _, def := range defs {
		_, ok := ParseName(def.Name)
		require.True(t, ok, def.Name)
		require.NotEmpty(t, def.Description)
		require.Equal(t, "object", def.Parameters["type"])
	}
}

func TestNewDispatcherValidates(t *testing.T) {
	guard, err := sqlguard.NewValidator(50, "")
	require.NoError(t, err)

	_, err = NewDispatcher(nil, guard, Config{MaxSearchResults: 1, ExplorationRowCap: 1})
	require.Error(t, err)

	_, err = NewDispatcher(&fakeStore{}, guard, Config{MaxSearchResults: 1})
	require.Error(t, err)
}

func TestDispatchUnknownTool(t *testing.T) {
	d := newTestDispatcher(t, &fakeStore{})

	out := d.Dispatch(context.Background(), Scope{}, domain.ToolCall{Name: "shell"})
	require.False(t, out.OK)
	require.Contains(t, out.Message, "unknown tool")
	require.JSONEq(t, `{"error":"unknown tool \"shell\""}`, out.Content())
}

func TestDispatchDoesNotExecuteFinalize(t *testing.T) {
	store := &fakeStore{}
	d := newTestDispatcher(t, store)

	out := d.Dispatch(context.Background(), Scope{}, domain.ToolCall{Name: "finalize_answer", Arguments: `{"sql":"SELECT 1"}`})
	require.False(t, out.OK)
	require.Empty(t, store.executed)
}

func TestSearchSimilarNames(t *testing.T) {
	store := &fakeStore{matches: []domain.NameMatch{{Name: "Vitamin D", Similarity: 0.8}}}
	d := newTestDispatcher(t, store)

	out := d.Dispatch(context.Background(), Scope{PatientID: "A", PatientCount: 2}, domain.ToolCall{
		Name:      "search_similar_names",
		Arguments: `{"search_term":" vit d ","limit":50}`,
	})
	require.True(t, out.OK)
	require.Equal(t, []searchCall{{term: "vit d", patientID: "A", threshold: 0.3, limit: 10}}, store.searches)
	require.JSONEq(t, `{"matches":[{"name":"Vitamin D","similarity":0.8}]}`, out.Content())
}

func TestSearchSimilarNamesEmptyIsSuccess(t *testing.T) {
	d := newTestDispatcher(t, &fakeStore{})

	out := d.Dispatch(context.Background(), Scope{}, domain.ToolCall{Name: "search_similar_names", Arguments: `{"search_term":"zzz"}`})
	require.True(t, out.OK)
	require.JSONEq(t, `{"matches":[]}`, out.Content())
}

func TestSearchSimilarNamesFailures(t *testing.T) {
	store := &fakeStore{searchErr: errors.New("connection reset")}
	d := newTestDispatcher(t, store)

	out := d.Dispatch(context.Background(), Scope{}, domain.ToolCall{Name: "search_similar_names", Arguments: `{"search_term":"x"}`})
	require.False(t, out.OK)
	require.Contains(t, out.Message, "connection reset")

	out = d.Dispatch(context.Background(), Scope{}, domain.ToolCall{Name: "search_similar_names", Arguments: `{"term":"x"}`})
	require.False(t, out.OK)
	require.Contains(t, out.Message, "invalid arguments")

	out = d.Dispatch(context.Background(), Scope{}, domain.ToolCall{Name: "search_similar_names", Arguments: `{"search_term":"  "}`})
	require.False(t, out.OK)
	require.Equal(t, "search_term is required", out.Message)
}

func TestExploratoryQueryOverridesLimit(t *testing.T) {
	store := &fakeStore{result: domain.QueryResult{
		Columns:  []string{"parameter_name"},
		Rows:     []map[string]any{{"parameter_name": "Vitamin D"}},
		RowCount: 1,
	}}
	d := newTestDispatcher(t, store)

	out := d.Dispatch(context.Background(), Scope{PatientCount: 1}, domain.ToolCall{
		Name:      "run_exploratory_query",
		Arguments: `{"sql":"SELECT DISTINCT parameter_name FROM lab_results LIMIT 1000","reasoning":"list names"}`,
	})
	require.True(t, out.OK, out.Message)
	require.Equal(t, []string{"SELECT DISTINCT parameter_name FROM lab_results LIMIT 20"}, store.executed)

	var payload ExplorePayload
	require.NoError(t, json.Unmarshal([]byte(out.Content()), &payload))
	require.Equal(t, "SELECT DISTINCT parameter_name FROM lab_results LIMIT 20", payload.ExecutedSQL)
	require.Equal(t, 1, payload.RowCount)
}

func TestExploratoryQueryTruncatesRows(t *testing.T) {
	rows := make([]map[string]any, 30)
	for i := range rows {
		rows[i] = map[string]any{"n": i}
	}
	store := &fakeStore{result: domain.QueryResult{Columns: []string{"n"}, Rows: rows, RowCount: 30}}
	d := newTestDispatcher(t, store)

	out := d.Dispatch(context.Background(), Scope{PatientCount: 1}, domain.ToolCall{
		Name:      "run_exploratory_query",
		Arguments: `{"sql":"SELECT n FROM numbers","reasoning":"count"}`,
	})
	require.True(t, out.OK)
	payload := out.Payload.(ExplorePayload)
	require.Len(t, payload.Rows, 20)
	require.Equal(t, 20, payload.RowCount)
}

func TestExploratoryQueryScopedWhenManyPatients(t *testing.T) {
	store := &fakeStore{}
	d := newTestDispatcher(t, store)

	out := d.Dispatch(context.Background(), Scope{PatientID: "A", PatientCount: 2}, domain.ToolCall{
		Name:      "run_exploratory_query",
		Arguments: `{"sql":"SELECT * FROM lab_results WHERE patient_id IN ('A','B')","reasoning":"peek"}`,
	})
	require.False(t, out.OK)
	require.Empty(t, store.executed)
	require.Equal(t, sqlguard.CodeCrossPatientLeak, out.Violations[0].Code)
	require.Contains(t, out.Content(), `"violations"`)

	out = d.Dispatch(context.Background(), Scope{PatientID: "A", PatientCount: 2}, domain.ToolCall{
		Name:      "run_exploratory_query",
		Arguments: `{"sql":"SELECT * FROM lab_results WHERE patient_id = 'A'","reasoning":"peek"}`,
	})
	require.True(t, out.OK, out.Message)
	require.Equal(t, []string{"SELECT * FROM lab_results WHERE patient_id = 'A' LIMIT 20"}, store.executed)
}

func TestExploratoryQueryRejectsWrites(t *testing.T) {
	store := &fakeStore{}
	d := newTestDispatcher(t, store)

	out := d.Dispatch(context.Background(), Scope{PatientCount: 1}, domain.ToolCall{
		Name:      "run_exploratory_query",
		Arguments: `{"sql":"DROP TABLE lab_results","reasoning":"oops"}`,
	})
	require.False(t, out.OK)
	require.Empty(t, store.executed)
	require.Contains(t, out.Message, "NOT_READ_ONLY")
}

func TestExploratoryQueryExecutionError(t *testing.T) {
	d := newTestDispatcher(t, &fakeStore{runErr: errors.New(`column "foo" does not exist`)})

	out := d.Dispatch(context.Background(), Scope{PatientCount: 1}, domain.ToolCall{
		Name:      "run_exploratory_query",
		Arguments: `{"sql":"SELECT foo FROM lab_results","reasoning":"x"}`,
	})
	require.False(t, out.OK)
	require.Contains(t, out.Message, `column "foo" does not exist`)
}

func TestDecodeArgsRejectsTrailingData(t *testing.T) {
	var args exploreArgs
	require.Error(t, DecodeArgs(`{"sql":"SELECT 1"} {}`, &args))
	require.NoError(t, DecodeArgs(``, &args))
}
