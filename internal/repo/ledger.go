// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for the processed-
// message ledger that makes inbound processing idempotent.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-casedesk/internal/domain"
)

// ErrDuplicate indicates that a ledger entry already exists for the given
// (external_id, source) pair. Callers treat it as "already handled", not as
// a failure: two concurrent deliveries of the same external id are an
// expected race.
var ErrDuplicate = errors.New("duplicate")

// isUniqueViolation reports whether err stems from a UNIQUE constraint.
// glebarez/sqlite often returns plain-text errors for UNIQUE violations, so
// the message is matched as a fallback to the typed gorm error.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}

// HasProcessed reports whether an entry exists for (externalID, source).
func HasProcessed(ctx context.Context, db *gorm.DB, externalID, source string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.ProcessedMessage{}).
		Where("external_id = ? AND source = ?", externalID, source).
		Count(&n).Error
	return n > 0, err
}

// RecordProcessed inserts a ledger entry and returns ErrDuplicate on unique
// violation. The insert itself is the atomicity guarantee; there is no
// read-before-write window for concurrent writers to slip through.
func RecordProcessed(ctx context.Context, db *gorm.DB, externalID, source string, caseID *string) error {
	rec := &domain.ProcessedMessage{
		ExternalID:  externalID,
		Source:      source,
		ProcessedAt: time.Now().UTC(),
		CaseID:      caseID,
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// PruneProcessedBefore deletes ledger entries processed before cutoff and
// returns how many were removed. Retention only bounds storage growth; it
// has no bearing on correctness, and it never touches case or message rows.
func PruneProcessedBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("processed_at < ?", cutoff).
		Delete(&domain.ProcessedMessage{})
	return res.RowsAffected, res.Error
}
