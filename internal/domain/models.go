// Package domain defines the persistence models for support cases, their
// messages, and the processed-message ledger. These types are mapped with
// GORM and form the core data layer of the case management application.
package domain

import (
	"time"
)

// Case status values. A case is created open and is closed exactly once;
// there is no reopening. A later message from the same customer starts a
// fresh case.
const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// Case represents a customer support case. A case is created when a customer
// first reaches out and stays open until an admin explicitly closes it. All
// messages exchanged while the case is open belong to it.
//
// Fields:
//   - ID: opaque case identifier ("CASE-<ulid>"), assigned at creation.
//   - CustomerIdentifier: channel-qualified customer identity (email address
//     or chat user ID); immutable once set. At most one open case exists per
//     identifier at any time.
//   - Status: "open" or "closed".
//   - CreatedAt / LastMessageAt: LastMessageAt is bumped on every appended
//     message and drives the inactivity escalation rule.
//   - MessageCount: starts at 1 on creation, incremented per appended message.
//   - Escalated / EscalatedAt: one-way flag; EscalatedAt is set once, on the
//     first escalation, and never changes afterwards.
//   - LastEscalationAlertAt: throttles repeated escalation alerts.
//   - ClosedAt: set once, on closure.
type Case struct {
	ID                    string     `json:"case_id"              gorm:"type:varchar(40);primaryKey"`
	CustomerIdentifier    string     `json:"customer_identifier"  gorm:"type:varchar(255);not null;index:idx_customer_cases"`
	Status                string     `json:"status"               gorm:"type:varchar(16);not null;default:'open';check:status IN ('open','closed');index"`
	CreatedAt             time.Time  `json:"created_at"`
	LastMessageAt         time.Time  `json:"last_message_at"      gorm:"index"`
	MessageCount          int        `json:"message_count"        gorm:"not null;default:1"`
	Escalated             bool       `json:"escalated"            gorm:"not null;default:false"`
	EscalatedAt           *time.Time `json:"escalated_at,omitempty"`
	LastEscalationAlertAt *time.Time `json:"last_escalation_alert_at,omitempty"`
	ClosedAt              *time.Time `json:"closed_at,omitempty"`
}

// TableName returns the database table name for Case.
func (Case) TableName() string { return "cases" }

// IsOpen reports whether the case is still open.
func (c *Case) IsOpen() bool { return c.Status == StatusOpen }

// Message represents a single inbound message stored under a case. Messages
// are owned exclusively by their case and are removed with it.
//
// The canonical chronological order used by escalation evaluation is
// (timestamp, id) ascending; IDs are assigned sequentially by the store.
type Message struct {
	ID        uint      `json:"id"         gorm:"primaryKey;autoIncrement"`
	CaseID    string    `json:"case_id"    gorm:"type:varchar(40);not null;index:idx_case_msgs,priority:1"`
	Sender    string    `json:"sender"     gorm:"type:varchar(255);not null"`
	IsAdmin   bool      `json:"is_admin"   gorm:"not null;default:false"`
	Body      string    `json:"body"       gorm:"type:text;not null"`
	Timestamp time.Time `json:"timestamp"  gorm:"index:idx_case_msgs,priority:2"`
	Source    string    `json:"source"     gorm:"type:varchar(16);not null;check:source IN ('email','chat')"`

	// Case is the owning case. Messages are cascade-deleted if it is removed.
	Case Case `json:"-" gorm:"foreignKey:CaseID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// ProcessedMessage records an externally-sourced message identifier that has
// been fully processed, keyed by (external_id, source). The composite unique
// index is what makes inbound processing idempotent under concurrent or
// duplicate delivery: recording is an atomic insert, never check-then-insert.
//
// Rows are insert-only and are pruned by age; pruning never touches cases
// or messages.
type ProcessedMessage struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	ExternalID  string    `gorm:"type:varchar(512);not null;uniqueIndex:ux_processed_external_source,priority:1"`
	Source      string    `gorm:"type:varchar(16);not null;uniqueIndex:ux_processed_external_source,priority:2"`
	ProcessedAt time.Time `gorm:"not null;index"`
	CaseID      *string   `gorm:"type:varchar(40)"`
}

// TableName returns the database table name for ProcessedMessage.
func (ProcessedMessage) TableName() string { return "processed_messages" }
