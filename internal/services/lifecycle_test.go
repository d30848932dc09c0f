package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-casedesk/internal/domain"
	"github.com/tbourn/go-casedesk/internal/notify"
	"github.com/tbourn/go-casedesk/internal/repo"
)

func newLifecycleDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("lifecycle_test_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// dbCaseRepo delegates to the repository free functions, mirroring the
// production shim.
type dbCaseRepo struct{}

func (dbCaseRepo) CreateCase(ctx context.Context, db *gorm.DB, customerID string) (*domain.Case, error) {
	return repo.CreateCase(ctx, db, customerID)
}
func (dbCaseRepo) GetOpenCase(ctx context.Context, db *gorm.DB, customerID string) (*domain.Case, error) {
	return repo.GetOpenCase(ctx, db, customerID)
}
func (dbCaseRepo) GetCase(ctx context.Context, db *gorm.DB, id string) (*domain.Case, error) {
	return repo.GetCase(ctx, db, id)
}
func (dbCaseRepo) MostRecentOpenCase(ctx context.Context, db *gorm.DB) (*domain.Case, error) {
	return repo.MostRecentOpenCase(ctx, db)
}
func (dbCaseRepo) AppendMessage(ctx context.Context, db *gorm.DB, c *domain.Case, sender, body, source string, isAdmin, countsToward bool) (*domain.Message, error) {
	return repo.AppendMessage(ctx, db, c, sender, body, source, isAdmin, countsToward)
}
func (dbCaseRepo) ListMessages(ctx context.Context, db *gorm.DB, caseID string, limit int) ([]domain.Message, error) {
	return repo.ListMessages(ctx, db, caseID, limit)
}
func (dbCaseRepo) EscalateCase(ctx context.Context, db *gorm.DB, c *domain.Case) error {
	return repo.EscalateCase(ctx, db, c)
}
func (dbCaseRepo) CloseCase(ctx context.Context, db *gorm.DB, c *domain.Case) error {
	return repo.CloseCase(ctx, db, c)
}
func (dbCaseRepo) MarkAlertSent(ctx context.Context, db *gorm.DB, c *domain.Case) error {
	return repo.MarkAlertSent(ctx, db, c)
}
func (dbCaseRepo) CountCases(ctx context.Context, db *gorm.DB, status string) (int64, error) {
	return repo.CountCases(ctx, db, status)
}
func (dbCaseRepo) ListCasesPage(ctx context.Context, db *gorm.DB, status string, offset, limit int) ([]domain.Case, error) {
	return repo.ListCasesPage(ctx, db, status, offset, limit)
}

type dbLedger struct{}

func (dbLedger) HasProcessed(ctx context.Context, db *gorm.DB, externalID, source string) (bool, error) {
	return repo.HasProcessed(ctx, db, externalID, source)
}
func (dbLedger) RecordProcessed(ctx context.Context, db *gorm.DB, externalID, source string, caseID *string) error {
	return repo.RecordProcessed(ctx, db, externalID, source, caseID)
}

// sinkRecorder captures enqueued notification requests.
type sinkRecorder struct {
	reqs []notify.Request
}

func (s *sinkRecorder) Enqueue(req notify.Request) bool {
	s.reqs = append(s.reqs, req)
	return true
}

func (s *sinkRecorder) byCategory(cat notify.Category) []notify.Request {
	var out []notify.Request
	for _, r := range s.reqs {
		if r.Category == cat {
			out = append(out, r)
		}
	}
	return out
}

func newLifecycle(t *testing.T) (*LifecycleService, *sinkRecorder, *gorm.DB) {
	t.Helper()
	db := newLifecycleDB(t)
	sink := &sinkRecorder{}
	svc := &LifecycleService{
		DB:           db,
		Cases:        NewCaseService(db, dbCaseRepo{}),
		Ledger:       dbLedger{},
		Notify:       sink,
		Admins:       []string{"admin@example.com"},
		MaxBodyRunes: 10000,
	}
	return svc, sink, db
}

func inbound(id, sender, body string) domain.InboundMessage {
	return domain.InboundMessage{
		ExternalID: id,
		Source:     domain.SourceEmail,
		Sender:     sender,
		Body:       body,
		ObservedAt: time.Now().UTC(),
	}
}

func TestProcess_RejectsInvalidEvents(t *testing.T) {
	svc, _, _ := newLifecycle(t)
	ctx := context.Background()

	if _, err := svc.Process(ctx, inbound("", "x@example.com", "hi")); !errors.Is(err, ErrMissingExternalID) {
		t.Fatalf("blank external id: got %v", err)
	}

	msg := inbound("m1", "x@example.com", "hi")
	msg.Source = "carrier-pigeon"
	if _, err := svc.Process(ctx, msg); !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("unknown source: got %v", err)
	}

	if _, err := svc.Process(ctx, inbound("m2", "x@example.com", "  \x00  ")); !errors.Is(err, ErrEmptyBody) {
		t.Fatalf("empty body after sanitize: got %v", err)
	}
}

func TestProcess_CustomerMessageOpensCaseOnce(t *testing.T) {
	svc, sink, db := newLifecycle(t)
	ctx := context.Background()

	out, err := svc.Process(ctx, inbound("m1", "alice@example.com", "my widget broke"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out != OutcomeProcessed {
		t.Fatalf("outcome = %q, want processed", out)
	}

	c, err := repo.GetOpenCase(ctx, db, "alice@example.com")
	if err != nil {
		t.Fatalf("case not created: %v", err)
	}
	if c.MessageCount != 1 {
		t.Fatalf("MessageCount = %d, want 1", c.MessageCount)
	}

	summaries := sink.byCategory(notify.CategorySupport)
	if len(summaries) != 1 {
		t.Fatalf("got %d support summaries, want 1", len(summaries))
	}
	if !strings.Contains(summaries[0].Text, "my widget broke") {
		t.Fatalf("summary does not quote the message: %q", summaries[0].Text)
	}

	// A second message reuses the same case.
	if _, err := svc.Process(ctx, inbound("m2", "alice@example.com", "any update?")); err != nil {
		t.Fatalf("second Process: %v", err)
	}
	got, err := repo.GetOpenCase(ctx, db, "alice@example.com")
	if err != nil {
		t.Fatalf("GetOpenCase: %v", err)
	}
	if got.ID != c.ID || got.MessageCount != 2 {
		t.Fatalf("expected same case with count 2, got %+v", got)
	}
}

func TestProcess_DuplicateDeliverySkipped(t *testing.T) {
	svc, sink, _ := newLifecycle(t)
	ctx := context.Background()

	if _, err := svc.Process(ctx, inbound("dup-1", "bob@example.com", "hello")); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	before := len(sink.reqs)

	out, err := svc.Process(ctx, inbound("dup-1", "bob@example.com", "hello"))
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if out != OutcomeSkipped {
		t.Fatalf("outcome = %q, want skipped", out)
	}
	if len(sink.reqs) != before {
		t.Fatalf("redelivery produced notifications: %d -> %d", before, len(sink.reqs))
	}
}

func TestProcess_UrgentKeywordEscalatesOnce(t *testing.T) {
	svc, sink, db := newLifecycle(t)
	ctx := context.Background()

	if _, err := svc.Process(ctx, inbound("u1", "carol@example.com", "this is URGENT")); err != nil {
		t.Fatalf("Process: %v", err)
	}

	c, err := repo.GetOpenCase(ctx, db, "carol@example.com")
	if err != nil {
		t.Fatalf("GetOpenCase: %v", err)
	}
	if !c.Escalated || c.EscalatedAt == nil {
		t.Fatalf("case not escalated: %+v", c)
	}

	alerts := sink.byCategory(notify.CategoryEscalation)
	if len(alerts) != 1 {
		t.Fatalf("got %d escalation alerts, want 1", len(alerts))
	}
	if !strings.Contains(alerts[0].Text, "Urgent keywords detected in message") {
		t.Fatalf("alert missing reason: %q", alerts[0].Text)
	}

	// Another urgent message on an already-escalated case sends no new alert.
	if _, err := svc.Process(ctx, inbound("u2", "carol@example.com", "still urgent!")); err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if alerts := sink.byCategory(notify.CategoryEscalation); len(alerts) != 1 {
		t.Fatalf("escalation alert repeated: got %d", len(alerts))
	}
}

func TestProcess_CombinedReasonsInSingleAlert(t *testing.T) {
	svc, sink, db := newLifecycle(t)
	ctx := context.Background()

	// Two quiet messages build the trailing customer run.
	if _, err := svc.Process(ctx, inbound("c1", "dave@example.com", "issue report")); err != nil {
		t.Fatalf("Process c1: %v", err)
	}
	if _, err := svc.Process(ctx, inbound("c2", "dave@example.com", "still there?")); err != nil {
		t.Fatalf("Process c2: %v", err)
	}

	// Age the case so the incoming message also ends a >48h silence.
	stale := time.Now().UTC().Add(-50 * time.Hour)
	if err := db.Model(&domain.Case{}).
		Where("customer_identifier = ?", "dave@example.com").
		Update("last_message_at", stale).Error; err != nil {
		t.Fatalf("age case: %v", err)
	}

	if _, err := svc.Process(ctx, inbound("c3", "dave@example.com", "this is urgent now")); err != nil {
		t.Fatalf("Process c3: %v", err)
	}

	alerts := sink.byCategory(notify.CategoryEscalation)
	if len(alerts) != 1 {
		t.Fatalf("got %d escalation alerts, want 1", len(alerts))
	}
	text := alerts[0].Text
	for _, want := range []string{
		"Urgent keywords detected in message",
		"Inactive for more than 48 hours",
		"More than 3 follow-ups without admin reply",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("alert missing %q: %q", want, text)
		}
	}
	if strings.Count(text, ";") != 2 {
		t.Errorf("reasons not joined into one alert: %q", text)
	}
}

func TestProcess_AdminChatterIgnoredButRecorded(t *testing.T) {
	svc, _, db := newLifecycle(t)
	ctx := context.Background()

	out, err := svc.Process(ctx, inbound("a1", "admin@example.com", "looking into it"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out != OutcomeIgnored {
		t.Fatalf("outcome = %q, want ignored", out)
	}

	// No case came into existence for the admin.
	if _, err := repo.GetOpenCase(ctx, db, "admin@example.com"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("admin message created a case: %v", err)
	}

	// The event is still deduplicated.
	seen, err := repo.HasProcessed(ctx, db, "a1", domain.SourceEmail)
	if err != nil || !seen {
		t.Fatalf("admin event not recorded: %v, %v", seen, err)
	}
}

func TestProcess_AdminClosureClosesMostRecentOpenCase(t *testing.T) {
	svc, sink, db := newLifecycle(t)
	ctx := context.Background()

	if _, err := svc.Process(ctx, inbound("m1", "erin@example.com", "problem with billing")); err != nil {
		t.Fatalf("Process customer: %v", err)
	}

	out, err := svc.Process(ctx, inbound("m2", "admin@example.com", "All sorted. Case closed."))
	if err != nil {
		t.Fatalf("Process closure: %v", err)
	}
	if out != OutcomeProcessed {
		t.Fatalf("outcome = %q, want processed", out)
	}

	var c domain.Case
	if err := db.Where("customer_identifier = ?", "erin@example.com").First(&c).Error; err != nil {
		t.Fatalf("load case: %v", err)
	}
	if c.Status != domain.StatusClosed || c.ClosedAt == nil {
		t.Fatalf("case not closed: %+v", c)
	}

	logs := sink.byCategory(notify.CategoryClosure)
	if len(logs) != 1 {
		t.Fatalf("got %d closure logs, want 1", len(logs))
	}
	if !strings.Contains(logs[0].Text, c.ID) || !strings.Contains(logs[0].Text, "admin@example.com") {
		t.Fatalf("closure log incomplete: %q", logs[0].Text)
	}
}

func TestProcess_ClosureWithNoOpenCaseIgnoredAndRecorded(t *testing.T) {
	svc, sink, db := newLifecycle(t)
	ctx := context.Background()

	out, err := svc.Process(ctx, inbound("x1", "admin@example.com", "Closing this case."))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out != OutcomeIgnored {
		t.Fatalf("outcome = %q, want ignored", out)
	}
	if len(sink.byCategory(notify.CategoryClosure)) != 0 {
		t.Fatal("closure log sent with nothing to close")
	}

	seen, err := repo.HasProcessed(ctx, db, "x1", domain.SourceEmail)
	if err != nil || !seen {
		t.Fatalf("stale closure command not recorded: %v, %v", seen, err)
	}
}

func TestProcess_ClosureAfterReopenTargetsNewestCase(t *testing.T) {
	svc, _, db := newLifecycle(t)
	ctx := context.Background()

	// First case gets closed, then the same customer writes again: a fresh
	// case must be opened rather than the closed one reused.
	if _, err := svc.Process(ctx, inbound("r1", "frank@example.com", "first issue")); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if _, err := svc.Process(ctx, inbound("r2", "admin@example.com", "Case closed.")); err != nil {
		t.Fatalf("closure: %v", err)
	}
	if _, err := svc.Process(ctx, inbound("r3", "frank@example.com", "second issue")); err != nil {
		t.Fatalf("Process: %v", err)
	}

	var n int64
	if err := db.Model(&domain.Case{}).Where("customer_identifier = ?", "frank@example.com").Count(&n).Error; err != nil {
		t.Fatalf("count cases: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 cases after reopen, got %d", n)
	}

	open, err := repo.GetOpenCase(ctx, db, "frank@example.com")
	if err != nil {
		t.Fatalf("GetOpenCase: %v", err)
	}
	if open.Status != domain.StatusOpen || open.MessageCount != 1 {
		t.Fatalf("unexpected reopened case: %+v", open)
	}
}
