package domain

import "time"

// Message sources. Every inbound event carries exactly one of these tags,
// and the dedup ledger key is scoped by it so identifiers from different
// channels can never collide.
const (
	SourceEmail = "email"
	SourceChat  = "chat"
)

// InboundMessage is the single normalized event consumed by the lifecycle
// engine, regardless of which channel adapter produced it. It is not
// persisted as-is; processing appends a Message row under a case and records
// the (ExternalID, Source) pair in the ledger.
type InboundMessage struct {
	// ExternalID is the channel-assigned identifier (email Message-ID or
	// chat event ID) used for deduplication.
	ExternalID string `json:"external_id"`
	// Source is SourceEmail or SourceChat.
	Source string `json:"source"`
	// Sender is the channel-qualified sender identity.
	Sender string `json:"sender"`
	// Body is the raw message text; it is sanitized before storage.
	Body string `json:"body"`
	// ObservedAt is when the adapter saw the message.
	ObservedAt time.Time `json:"observed_at"`
}

// ValidSource reports whether s is a recognized channel tag.
func ValidSource(s string) bool {
	return s == SourceEmail || s == SourceChat
}
