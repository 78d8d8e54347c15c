package search

import "time"

// Result is a single poem hit returned to the caller.
type Result struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	Title       string    `json:"title"`
	Snippet     string    `json:"snippet"`
	StreamID    string    `json:"streamId,omitempty"`
	PublishedAt time.Time `json:"publishedAt"`
}

// Query describes a search request.
type Query struct {
	Text     string
	StreamID string // empty = all streams
	Limit    int
	Offset   int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// PoemRecord is the data we index for a published poem.
type PoemRecord struct {
	ID          string `json:"id"`
	SessionID   string `json:"sessionId"`
	Title       string `json:"title"`
	Body        string `json:"body"`
	StreamID    string `json:"streamId"`
	PublishedAt int64  `json:"publishedAt"`
}

const defaultLimit = 20

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > 100 {
		return 100
	}
	return limit
}
