package job

import "time"

// Job is an article that failed to sync. It stays in the ledger until a
// later run syncs the article or an operator dismisses it.
type Job struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	ArticleID string    `json:"article_id"`
	Title     string    `json:"title"`
	Operation string    `json:"operation"`
	Error     string    `json:"error"`
	Retries   int       `json:"retries"`
	CreatedAt time.Time `json:"created_at"`
}
