// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Case and
// Message models.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations. They
// follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a case is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - CreateCase maps a UNIQUE violation of the open-case index to
//     ErrDuplicate; all other DB errors are propagated raw.
//
// State transitions (EscalateCase, CloseCase) are guarded UPDATEs so that
// calling them redundantly is harmless: the WHERE clause only matches rows
// that have not transitioned yet, and a zero-row result is not an error.
package repo

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"

	"github.com/tbourn/go-casedesk/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// NewCaseID generates an opaque case identifier ("CASE-<ulid>"). ULIDs sort
// by creation time, which keeps case listings naturally ordered.
func NewCaseID() string {
	return "CASE-" + ulid.Make().String()
}

// CreateCase inserts a new open case for customerID. MessageCount starts at 1
// because a case only ever comes into existence carrying its first message.
//
// The partial unique index ux_cases_open_customer admits at most one open
// case per customer, so losing the get-or-create race against a concurrent
// writer surfaces as ErrDuplicate here; callers resolve that by re-fetching
// the winner (see services.CaseService.OpenFor).
func CreateCase(ctx context.Context, db *gorm.DB, customerID string) (*domain.Case, error) {
	now := time.Now().UTC()
	c := &domain.Case{
		ID:                 NewCaseID(),
		CustomerIdentifier: customerID,
		Status:             domain.StatusOpen,
		CreatedAt:          now,
		LastMessageAt:      now,
		MessageCount:       1,
	}
	if err := db.WithContext(ctx).Create(c).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return c, nil
}

// GetOpenCase returns the open case for customerID, or ErrNotFound.
func GetOpenCase(ctx context.Context, db *gorm.DB, customerID string) (*domain.Case, error) {
	var c domain.Case
	err := db.WithContext(ctx).
		Where("customer_identifier = ? AND status = ?", customerID, domain.StatusOpen).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCase fetches a single case by ID, or ErrNotFound.
func GetCase(ctx context.Context, db *gorm.DB, id string) (*domain.Case, error) {
	var c domain.Case
	if err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// MostRecentOpenCase returns the open case with the newest LastMessageAt,
// or ErrNotFound when no case is open. Admin closure commands resolve their
// target through this query.
func MostRecentOpenCase(ctx context.Context, db *gorm.DB) (*domain.Case, error) {
	var c domain.Case
	err := db.WithContext(ctx).
		Where("status = ?", domain.StatusOpen).
		Order("last_message_at desc").
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// AppendMessage inserts a message under the case and, in the same
// transaction, increments the case message counter and bumps LastMessageAt.
// The first message of a freshly created case is counted by CreateCase, so
// callers pass countsToward=false for it.
func AppendMessage(ctx context.Context, db *gorm.DB, c *domain.Case, sender, body, source string, isAdmin, countsToward bool) (*domain.Message, error) {
	now := time.Now().UTC()
	m := &domain.Message{
		CaseID:    c.ID,
		Sender:    sender,
		IsAdmin:   isAdmin,
		Body:      body,
		Timestamp: now,
		Source:    source,
	}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(m).Error; err != nil {
			return err
		}
		updates := map[string]any{"last_message_at": now}
		if countsToward {
			updates["message_count"] = gorm.Expr("message_count + 1")
		}
		return tx.Model(&domain.Case{}).Where("id = ?", c.ID).Updates(updates).Error
	})
	if err != nil {
		return nil, err
	}
	c.LastMessageAt = now
	if countsToward {
		c.MessageCount++
	}
	return m, nil
}

// ListMessages returns the case history in canonical chronological order
// (timestamp ASC, id ASC). A limit <= 0 returns everything.
func ListMessages(ctx context.Context, db *gorm.DB, caseID string, limit int) ([]domain.Message, error) {
	var out []domain.Message
	q := db.WithContext(ctx).
		Where("case_id = ?", caseID).
		Order("timestamp ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// EscalateCase marks the case escalated and stamps EscalatedAt. The guarded
// WHERE clause makes the transition one-way: a case that is already
// escalated is left untouched, so EscalatedAt never moves after first set.
func EscalateCase(ctx context.Context, db *gorm.DB, c *domain.Case) error {
	now := time.Now().UTC()
	res := db.WithContext(ctx).
		Model(&domain.Case{}).
		Where("id = ? AND escalated = ?", c.ID, false).
		Updates(map[string]any{"escalated": true, "escalated_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		c.Escalated = true
		c.EscalatedAt = &now
	}
	return nil
}

// CloseCase transitions the case to closed and stamps ClosedAt. Closing an
// already-closed case is a no-op: the guard prevents ClosedAt from being
// overwritten by a redundant call.
func CloseCase(ctx context.Context, db *gorm.DB, c *domain.Case) error {
	now := time.Now().UTC()
	res := db.WithContext(ctx).
		Model(&domain.Case{}).
		Where("id = ? AND status = ?", c.ID, domain.StatusOpen).
		Updates(map[string]any{"status": domain.StatusClosed, "closed_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		c.Status = domain.StatusClosed
		c.ClosedAt = &now
	}
	return nil
}

// DueForAlert reports whether an escalation alert may be sent for the case:
// true when no alert has ever been sent or the last one is older than
// interval.
func DueForAlert(c *domain.Case, interval time.Duration, now time.Time) bool {
	if c.LastEscalationAlertAt == nil {
		return true
	}
	return now.Sub(*c.LastEscalationAlertAt) >= interval
}

// MarkAlertSent stamps LastEscalationAlertAt with the current time.
func MarkAlertSent(ctx context.Context, db *gorm.DB, c *domain.Case) error {
	now := time.Now().UTC()
	err := db.WithContext(ctx).
		Model(&domain.Case{}).
		Where("id = ?", c.ID).
		Update("last_escalation_alert_at", now).Error
	if err != nil {
		return err
	}
	c.LastEscalationAlertAt = &now
	return nil
}

// ListOpenUnescalated returns all open, not-yet-escalated cases. The sweeper
// works through this set each cycle.
func ListOpenUnescalated(ctx context.Context, db *gorm.DB) ([]domain.Case, error) {
	var out []domain.Case
	err := db.WithContext(ctx).
		Where("status = ? AND escalated = ?", domain.StatusOpen, false).
		Order("last_message_at asc").
		Find(&out).Error
	return out, err
}

// CountCases returns the number of cases matching status ("" counts all).
func CountCases(ctx context.Context, db *gorm.DB, status string) (int64, error) {
	var total int64
	q := db.WithContext(ctx).Model(&domain.Case{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Count(&total).Error
	return total, err
}

// ListCasesPage returns a page of cases ordered by most recent activity,
// optionally filtered by status. Use CountCases for pagination metadata.
func ListCasesPage(ctx context.Context, db *gorm.DB, status string, offset, limit int) ([]domain.Case, error) {
	var out []domain.Case
	q := db.WithContext(ctx).
		Order("last_message_at desc").
		Offset(offset).
		Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Find(&out).Error
	return out, err
}
