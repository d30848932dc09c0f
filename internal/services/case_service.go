// Package services – CaseService
//
// This file implements the CaseService, the single component permitted to
// mutate case state. It wraps the thin case repository with the behavior the
// lifecycle engine and sweeper rely on: race-safe get-or-create of the one
// open case per customer, transactional message appends, and the idempotent
// escalate/close transitions.
//
// Service-level errors (e.g., ErrCaseNotFound) are returned for predictable
// cases so callers can map them consistently.
package services

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-casedesk/internal/domain"
	"github.com/tbourn/go-casedesk/internal/repo"
)

// CaseRepo defines the repository contract required by CaseService.
// Implementations are responsible for persistence of the case aggregate.
type CaseRepo interface {
	// CreateCase inserts a new open case for the customer.
	CreateCase(ctx context.Context, db *gorm.DB, customerID string) (*domain.Case, error)

	// GetOpenCase returns the customer's open case or repo.ErrNotFound.
	GetOpenCase(ctx context.Context, db *gorm.DB, customerID string) (*domain.Case, error)

	// GetCase fetches a case by ID.
	GetCase(ctx context.Context, db *gorm.DB, id string) (*domain.Case, error)

	// MostRecentOpenCase returns the open case with the newest activity.
	MostRecentOpenCase(ctx context.Context, db *gorm.DB) (*domain.Case, error)

	// AppendMessage appends a message and updates the case row atomically.
	AppendMessage(ctx context.Context, db *gorm.DB, c *domain.Case, sender, body, source string, isAdmin, countsToward bool) (*domain.Message, error)

	// ListMessages returns the case history in canonical order.
	ListMessages(ctx context.Context, db *gorm.DB, caseID string, limit int) ([]domain.Message, error)

	// EscalateCase performs the one-way escalation transition.
	EscalateCase(ctx context.Context, db *gorm.DB, c *domain.Case) error

	// CloseCase performs the one-way closure transition.
	CloseCase(ctx context.Context, db *gorm.DB, c *domain.Case) error

	// MarkAlertSent stamps the last escalation alert time.
	MarkAlertSent(ctx context.Context, db *gorm.DB, c *domain.Case) error

	// CountCases and ListCasesPage support the read-only ops API.
	CountCases(ctx context.Context, db *gorm.DB, status string) (int64, error)
	ListCasesPage(ctx context.Context, db *gorm.DB, status string, offset, limit int) ([]domain.Case, error)
}

// CaseService provides case-level operations. It owns the get-or-create
// conflict handling and delegates persistence to the repository.
type CaseService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the case repository used by this service.
	Repo CaseRepo

	// MaxCreateAttempts bounds the get-or-create conflict loop.
	MaxCreateAttempts int
}

// NewCaseService constructs a CaseService with a sane conflict-loop bound.
func NewCaseService(db *gorm.DB, r CaseRepo) *CaseService {
	return &CaseService{DB: db, Repo: r, MaxCreateAttempts: 3}
}

// OpenFor returns the single open case for the customer, creating one when
// none exists. The partial unique index on open cases makes concurrent
// creation for the same customer fail with repo.ErrDuplicate: the loser
// discards its attempt, re-fetches, and returns the winner. The loop is
// bounded; exhausting it surfaces ErrCaseConflict.
func (s *CaseService) OpenFor(ctx context.Context, customerID string) (*domain.Case, bool, error) {
	attempts := s.MaxCreateAttempts
	if attempts <= 0 {
		attempts = 3
	}
	for i := 0; i < attempts; i++ {
		c, err := s.Repo.GetOpenCase(ctx, s.DB, customerID)
		if err == nil {
			return c, false, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, false, err
		}

		c, err = s.Repo.CreateCase(ctx, s.DB, customerID)
		if err == nil {
			return c, true, nil
		}
		if !errors.Is(err, repo.ErrDuplicate) {
			return nil, false, err
		}
		// Lost the race: the winner's row exists now, pick it up on the
		// next iteration.
	}
	return nil, false, ErrCaseConflict
}

// Append adds a message to the case. countsToward is false only for the
// initial message of a case created in the same processing step, whose
// count was seeded by creation.
func (s *CaseService) Append(ctx context.Context, c *domain.Case, sender, body, source string, isAdmin, countsToward bool) (*domain.Message, error) {
	return s.Repo.AppendMessage(ctx, s.DB, c, sender, body, source, isAdmin, countsToward)
}

// History returns the full case history in canonical chronological order.
func (s *CaseService) History(ctx context.Context, caseID string) ([]domain.Message, error) {
	return s.Repo.ListMessages(ctx, s.DB, caseID, 0)
}

// Escalate applies the one-way escalation transition. Safe to call
// redundantly.
func (s *CaseService) Escalate(ctx context.Context, c *domain.Case) error {
	return s.Repo.EscalateCase(ctx, s.DB, c)
}

// Close applies the one-way closure transition. Closing twice leaves the
// first ClosedAt untouched.
func (s *CaseService) Close(ctx context.Context, c *domain.Case) error {
	return s.Repo.CloseCase(ctx, s.DB, c)
}

// MostRecentOpen returns the open case with the newest activity, or
// ErrCaseNotFound when nothing is open.
func (s *CaseService) MostRecentOpen(ctx context.Context) (*domain.Case, error) {
	c, err := s.Repo.MostRecentOpenCase(ctx, s.DB)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrCaseNotFound
	}
	return c, err
}

// Get returns a case by ID, or ErrCaseNotFound.
func (s *CaseService) Get(ctx context.Context, id string) (*domain.Case, error) {
	c, err := s.Repo.GetCase(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrCaseNotFound
	}
	return c, err
}

// DueForAlert reports whether an escalation alert may be sent for the case.
func (s *CaseService) DueForAlert(c *domain.Case, interval time.Duration) bool {
	return repo.DueForAlert(c, interval, time.Now().UTC())
}

// MarkAlertSent stamps the case's last alert time.
func (s *CaseService) MarkAlertSent(ctx context.Context, c *domain.Case) error {
	return s.Repo.MarkAlertSent(ctx, s.DB, c)
}

// ListPage returns a page of cases plus the total for pagination metadata.
// It applies defaults for invalid page/pageSize.
func (s *CaseService) ListPage(ctx context.Context, status string, page, pageSize int) ([]domain.Case, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := s.Repo.CountCases(ctx, s.DB, status)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Case{}, 0, nil
	}

	items, err := s.Repo.ListCasesPage(ctx, s.DB, status, offset, pageSize)
	return items, total, err
}
