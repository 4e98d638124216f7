// Package tools holds the closed set of tools the reasoning service may call
// and the dispatcher that executes them.
package tools

import "labsql-agent/internal/domain"

// Name identifies a tool. The set is closed: anything else is rejected.
type Name string

const (
	SearchSimilarNames  Name = "search_similar_names"
	RunExploratoryQuery Name = "run_exploratory_query"
	FinalizeAnswer      Name = "finalize_answer"
)

// ParseName maps a tool name produced by the reasoning service onto the
// closed set.
func ParseName(s string) (Name, bool) {
	switch n := Name(s); n {
	case SearchSimilarNames, RunExploratoryQuery, FinalizeAnswer:
		return n, true
	}
	return "", false
}

// Definitions describes every tool to the reasoning service.
func Definitions() []domain.ToolSpec {
	return []domain.ToolSpec{
		{
			Name: string(SearchSimilarNames),
			Description: "Find recorded lab parameter names similar to a search term. " +
				"Use it to map the user's wording (e.g. \"vit d\") onto the exact parameter_name stored in the database.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"search_term": map[string]any{
						"type":        "string",
						"description": "Free-text name of a lab parameter.",
					},
					"limit": map[string]any{
						"type":        "integer",
						"description": "Maximum number of matches to return.",
					},
				},
				"required":             []string{"search_term"},
				"additionalProperties": false,
			},
		},
		{
			Name: string(RunExploratoryQuery),
			Description: "Run a read-only SELECT to preview data before answering. " +
				"Results are capped to a few rows; use it to check values, units or dates, not to answer the question.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"sql": map[string]any{
						"type":        "string",
						"description": "A single read-only SELECT or WITH statement.",
					},
					"reasoning": map[string]any{
						"type":        "string",
						"description": "What this query is meant to find out.",
					},
				},
				"required":             []string{"sql", "reasoning"},
				"additionalProperties": false,
			},
		},
		{
			Name:        string(FinalizeAnswer),
			Description: "Declare the final SQL query that answers the user's question. Call it exactly once.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"sql": map[string]any{
						"type":        "string",
						"description": "The final single read-only SELECT or WITH statement.",
					},
					"explanation": map[string]any{
						"type":        "string",
						"description": "One or two sentences describing what the query returns.",
					},
					"confidence": map[string]any{
						"type": "string",
						"enum": []string{"high", "medium", "low"},
					},
				},
				"required":             []string{"sql", "explanation", "confidence"},
				"additionalProperties": false,
			},
		},
	}
}
