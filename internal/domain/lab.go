package domain

// NameMatch is a recorded parameter name ranked by trigram similarity.
type NameMatch struct {
	Name       string  `json:"name"`
	Similarity float64 `json:"similarity"`
}

// QueryResult holds the rows returned by a read-only exploratory query.
type QueryResult struct {
	Columns  []string         `json:"columns"`
	Rows     []map[string]any `json:"rows"`
	RowCount int              `json:"row_count"`
}
