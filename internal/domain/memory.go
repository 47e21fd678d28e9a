package domain

import (
	"fmt"
	"time"
)

// MemoryEntry is one stored conversational turn. Entries are never mutated.
type MemoryEntry struct {
	ID                       string    `json:"id"`
	SessionID                string    `json:"session_id"`
	OwnerID                  string    `json:"owner_id"`
	UserQuery                string    `json:"user_query"`
	AssistantResponse        string    `json:"assistant_response"`
	Timestamp                time.Time `json:"timestamp"`
	ReferencedInvoiceID      string    `json:"referenced_invoice_id,omitempty"`
	ReferencedTransactionIDs []string  `json:"referenced_transaction_ids,omitempty"`
}

// EmbeddingText is the text indexed for similarity recall.
func (m MemoryEntry) EmbeddingText() string {
	return fmt.Sprintf("User: %s\nAssistant: %s", m.UserQuery, m.AssistantResponse)
}
