package model

import (
	"encoding/json"
	"time"
)

// Role identifies the author side of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Block is an opaque content block attached to a message. The sync engine
// stores and forwards blocks without ever interpreting Data.
type Block struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Message is one entry in a conversation log. Negative IDs mark tentative
// (locally created, unconfirmed) messages; positive IDs are server-assigned.
// ID, Role, ConversationID and CreatedAt are fixed at creation; Content only
// grows while a stream session is open, and Blocks are attached once at
// stream completion.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Blocks         []Block   `json:"blocks,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Tentative reports whether the message is still awaiting server confirmation.
func (m Message) Tentative() bool {
	return m.ID < 0
}

// Clone returns a deep copy. Block data is copied so holders of a snapshot
// cannot mutate the log in place.
func (m Message) Clone() Message {
	out := m
	out.Blocks = CloneBlocks(m.Blocks)
	return out
}

// WithContent returns a copy of the message with Content replaced.
func (m Message) WithContent(content string) Message {
	out := m.Clone()
	out.Content = content
	return out
}

// WithBlocks returns a copy of the message with Blocks replaced.
func (m Message) WithBlocks(blocks []Block) Message {
	out := m.Clone()
	out.Blocks = CloneBlocks(blocks)
	return out
}

// CloneBlocks deep-copies a block list. A nil input stays nil.
func CloneBlocks(blocks []Block) []Block {
	if blocks == nil {
		return nil
	}
	out := make([]Block, len(blocks))
	for i, b := range blocks {
		out[i] = Block{Type: b.Type}
		if b.Data != nil {
			out[i].Data = append(json.RawMessage(nil), b.Data...)
		}
	}
	return out
}

// Conversation is the container for one message log.
type Conversation struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
