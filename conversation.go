package agentloop

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
)

// Conversation is the append-only message log for one session. It enforces
// the role/content invariants at append time and exposes a single-writer
// claim: only one goroutine may be appending to a given Conversation at a
// time (concurrent invocations must use distinct Conversations, one per
// session, per §5).
type Conversation struct {
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id"`

	mu       sync.RWMutex
	messages []Message
	writing  atomic.Bool
}

// NewConversation creates an empty Conversation for one session.
func NewConversation(sessionID string) *Conversation {
	return &Conversation{SessionID: sessionID, ConversationID: NewID()}
}

// beginWrite claims the single-writer slot. Returns an error rather than
// blocking: concurrent Append attempts on one Conversation are a caller bug,
// not a contention case to serialize through.
func (c *Conversation) beginWrite() error {
	if !c.writing.CompareAndSwap(false, true) {
		return &InternalInvariant{Detail: "concurrent writers to one Conversation"}
	}
	return nil
}

func (c *Conversation) endWrite() {
	c.writing.Store(false)
}

// Append adds msg to the conversation, enforcing:
//   - the first message is RoleSystem, exactly once, and only as message 0.
//   - a RoleTool message immediately follows the RoleAssistant message whose
//     ToolUse blocks it resolves, with identical tool_use_id sets in order.
func (c *Conversation) Append(msg Message) error {
	if err := c.beginWrite(); err != nil {
		return err
	}
	defer c.endWrite()

	c.mu.Lock()
	defer c.mu.Unlock()

	if msg.Role == RoleSystem {
		for _, m := range c.messages {
			if m.Role == RoleSystem {
				return &InternalInvariant{Detail: "system message appended twice"}
			}
		}
		if len(c.messages) != 0 {
			return &InternalInvariant{Detail: "system message must be first"}
		}
	}

	if msg.Role == RoleTool {
		if len(c.messages) == 0 || c.messages[len(c.messages)-1].Role != RoleAssistant {
			return &InternalInvariant{Detail: "tool message must immediately follow an assistant message"}
		}
		prev := c.messages[len(c.messages)-1]
		wantIDs := toolUseIDs(prev)
		gotIDs := toolResultIDs(msg)
		if !sameOrder(wantIDs, gotIDs) {
			return &InternalInvariant{Detail: "tool message does not match the preceding assistant message's tool_use ids"}
		}
	}

	if msg.CreatedAt == 0 {
		msg.CreatedAt = NowUnixMilli()
	}
	c.messages = append(c.messages, msg)
	return nil
}

func toolUseIDs(m Message) []string {
	var ids []string
	for _, b := range m.Content {
		if b.Type == BlockToolUse {
			ids = append(ids, b.ID)
		}
	}
	return ids
}

func toolResultIDs(m Message) []string {
	var ids []string
	for _, b := range m.Content {
		if b.Type == BlockToolResult {
			ids = append(ids, b.ToolUseID)
		}
	}
	return ids
}

func sameOrder(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Messages returns a snapshot copy of the message log.
func (c *Conversation) Messages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len returns the number of messages currently in the log.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

// LastAssistantText concatenates the text blocks of the last RoleAssistant
// message, used to extract the final answer when the loop terminates.
func (c *Conversation) LastAssistantText() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].Role == RoleAssistant {
			return c.messages[i].Text()
		}
	}
	return ""
}

// ModelMessages returns the messages that should be sent to the model: all
// messages except those marked Hidden (see AgentConfig.HideEvaluatorRubric).
func (c *Conversation) ModelMessages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Message, 0, len(c.messages))
	for _, m := range c.messages {
		if m.Hidden {
			continue
		}
		out = append(out, m)
	}
	return out
}

// SummarizeFunc replaces a prefix of the conversation with a single
// synthetic system-tagged summary message. It receives the prefix being
// replaced and returns the summary text.
type SummarizeFunc func(prefix []Message) (string, error)

// Summarize replaces messages[0:keepFrom] with one synthetic RoleSystem
// summary message produced by fn, provided keepFrom leaves the invariant
// (tool_use/tool_result pairing at the new boundary) intact. It is the
// Conversation Store's truncation hook; the core loop never calls it
// automatically.
func (c *Conversation) Summarize(keepFrom int, fn SummarizeFunc) error {
	if err := c.beginWrite(); err != nil {
		return err
	}
	defer c.endWrite()

	c.mu.Lock()
	defer c.mu.Unlock()

	if keepFrom <= 0 || keepFrom > len(c.messages) {
		return &InternalInvariant{Detail: "summarize: keepFrom out of range"}
	}
	if keepFrom < len(c.messages) && c.messages[keepFrom].Role == RoleTool {
		return &InternalInvariant{Detail: "summarize: keepFrom splits a tool_use/tool_result pair"}
	}

	prefix := make([]Message, keepFrom)
	copy(prefix, c.messages[:keepFrom])

	text, err := fn(prefix)
	if err != nil {
		return err
	}

	summary := SystemMessage(text)
	rest := make([]Message, len(c.messages)-keepFrom)
	copy(rest, c.messages[keepFrom:])
	c.messages = append([]Message{summary}, rest...)
	return nil
}

// ConversationStore persists and restores Conversations by their
// canonical JSON form. Implementations (store/sqlite, store/postgres) round
// trip the form unchanged; the core loop never calls a ConversationStore
// itself — it is an opt-in collaborator wired by the caller.
type ConversationStore interface {
	Save(ctx context.Context, c *Conversation) error
	Load(ctx context.Context, conversationID string) (*Conversation, error)
	ListBySession(ctx context.Context, sessionID string) ([]string, error)
	Delete(ctx context.Context, conversationID string) error
}

// conversationJSON is the stable wire shape for Conversation.MarshalJSON:
// field names role/content/created_at on each message, content blocks tagged
// by type, matching §6's "canonical portable form".
type conversationJSON struct {
	SessionID      string    `json:"session_id"`
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
}

// MarshalJSON serializes the conversation to its canonical portable form.
func (c *Conversation) MarshalJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(conversationJSON{
		SessionID:      c.SessionID,
		ConversationID: c.ConversationID,
		Messages:       c.messages,
	})
}

// UnmarshalJSON restores a conversation from its canonical portable form.
// The single-writer claim is reset (unclaimed) on the result.
func (c *Conversation) UnmarshalJSON(data []byte) error {
	var raw conversationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SessionID = raw.SessionID
	c.ConversationID = raw.ConversationID
	c.messages = raw.Messages
	c.writing.Store(false)
	return nil
}
