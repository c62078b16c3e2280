package worker

const (
	ActionUpsert = "upsert"
	ActionDelete = "delete"
)

// ArticleEvent is published after an article was synced to the document
// store. Content is only set for upserts.
type ArticleEvent struct {
	Action    string `json:"action"`
	ArticleID string `json:"article_id"`
	Title     string `json:"title"`
	URL       string `json:"url"`
	Content   string `json:"content,omitempty"`

	CorrelationID string `json:"correlation_id"`
}

// ChunkTask asks the embedder to embed and store one chunk.
type ChunkTask struct {
	ArticleID  string `json:"article_id"`
	Title      string `json:"title"`
	URL        string `json:"url"`
	Heading    string `json:"heading,omitempty"`
	Content    string `json:"content"`
	ChunkIndex int    `json:"chunk_index"`
	ChunkType  string `json:"chunk_type"`
	Language   string `json:"language,omitempty"`

	CorrelationID string `json:"correlation_id,omitempty"`
}
