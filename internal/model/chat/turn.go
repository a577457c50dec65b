package chat

// Sender identifies the author of a turn.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// Valid reports whether s is one of the known senders.
func (s Sender) Valid() bool {
	return s == SenderUser || s == SenderAssistant
}

// Status is view-only state for turns the store has not confirmed yet.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCommitted Status = "committed"
	StatusFailed    Status = "failed"
)

// Cursor is a store-assigned createdAt value (Unix nanoseconds). The zero
// Cursor means "no cursor".
type Cursor int64

// NoCursor asks for the most recent page.
const NoCursor Cursor = 0

// Turn is a single message in a session log.
type Turn struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	Sender    Sender `json:"sender"`
	Text      string `json:"text"`
	CreatedAt Cursor `json:"createdAt"`
	Status    Status `json:"status,omitempty"`
}

// Committed reports whether the turn came from the store.
func (t Turn) Committed() bool {
	return t.Status == "" || t.Status == StatusCommitted
}

// Page is one backward page of the log, ascending by CreatedAt.
type Page struct {
	Turns     []Turn `json:"turns"`
	Exhausted bool   `json:"exhausted"`
}

// Oldest returns the cursor of the first turn, or NoCursor for an empty page.
func (p Page) Oldest() Cursor {
	if len(p.Turns) == 0 {
		return NoCursor
	}
	return p.Turns[0].CreatedAt
}
