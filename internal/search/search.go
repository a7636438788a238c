package search

// maxLimit bounds the page size of any single search, whichever backend
// serves it.
const maxLimit = 100

// Result is a single message hit returned to the caller.
type Result struct {
	ID        string `json:"id"`
	ThreadID  string `json:"threadId"`
	SenderUID string `json:"senderUid"`
	Snippet   string `json:"snippet"`
	CreatedAt int64  `json:"createdAt"`
}

// Query describes a message search request. UserID scopes results to
// threads the caller is a member of.
type Query struct {
	Text     string
	UserID   string
	ThreadID string // optional: restrict to one thread
	Limit    int
	Offset   int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over messages.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// MessageRecord is the data we index for a message. Members is carried so
// visibility filtering happens inside the index.
type MessageRecord struct {
	ID        string   `json:"id"`
	ThreadID  string   `json:"threadId"`
	SenderUID string   `json:"senderUid"`
	Text      string   `json:"text"`
	Members   []string `json:"members"`
	CreatedAt int64    `json:"createdAt"`
}
