package chat

import (
	"time"
)

// Message is one turn in a conversation. Ordering within a conversation is
// defined by (InsertedAt, ID); ids are monotonically increasing, so the pair
// is a strict total order even when two rows share a timestamp.
type Message struct {
	ID             int64
	ConversationID int64
	Who            Who
	Body           string
	InsertedAt     time.Time
	UpdatedAt      time.Time
}

// Conversation is a named thread of messages with a selected model.
// SourceConversationID is set only by forking and always points to an older
// conversation; deleting the source nulls the pointer on its forks.
type Conversation struct {
	ID                   int64
	Name                 string
	ModelID              int64
	SourceConversationID *int64
	InsertedAt           time.Time
	UpdatedAt            time.Time
}

// ConversationSummary is a Conversation together with the time of its most
// recent message, for index listings. LastMessageAt is nil for an empty
// conversation.
type ConversationSummary struct {
	Conversation
	LastMessageAt *time.Time
}

// Model is a cached name previously reported by the generation service.
type Model struct {
	ID         int64
	Name       string
	InsertedAt time.Time
	UpdatedAt  time.Time
}
