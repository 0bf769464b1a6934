package types

import "time"

// QueryOutcome is the terminal result of one question.
type QueryOutcome struct {
	RequestID   string      `json:"request_id"`
	Success     bool        `json:"success"`
	Columns     []string    `json:"columns"`
	Rows        [][]any     `json:"rows"`
	RowCount    int         `json:"row_count"`
	Truncated   bool        `json:"truncated,omitempty"`
	Diagnostics Diagnostics `json:"diagnostics"`
}

// Diagnostics accompanies every outcome, successful or not.
type Diagnostics struct {
	SQL          string        `json:"sql"`
	RetryCount   int           `json:"retry_count"`
	Attempts     int           `json:"attempts"`
	Errors       []FailedQuery `json:"errors"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	ElapsedMs    int64         `json:"elapsed_ms"`
}

// FailedQuery pairs the SQL of a failed attempt with its error text.
type FailedQuery struct {
	SQL   string `json:"sql"`
	Error string `json:"error"`
}

// AttemptRecord is one row of the query log.
type AttemptRecord struct {
	RequestID       string    `json:"request_id"`
	AttemptNumber   int       `json:"attempt_number"`
	Timestamp       time.Time `json:"timestamp"`
	Client          string    `json:"client"`
	UserInput       string    `json:"user_input,omitempty"`
	NLQ             string    `json:"nlq"`
	SQL             string    `json:"sql"`
	Success         bool      `json:"success"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	RowCount        int       `json:"row_count"`
	ExecutionTimeMs int64     `json:"execution_time_ms"`
	InputTokens     int       `json:"input_tokens"`
	OutputTokens    int       `json:"output_tokens"`
	ElapsedMs       int64     `json:"elapsed_ms"`
	Generator       string    `json:"sql_generator_llm"`
	Prompt          string    `json:"sql_generating_llm_prompt"`
}
