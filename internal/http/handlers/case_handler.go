// Case HTTP handlers.
//
// This file exposes read-only REST endpoints for case resources:
//   - GET /cases        (list, paginated, optional status filter)
//   - GET /cases/{id}   (single case with its message history)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-casedesk/internal/domain"
	"github.com/tbourn/go-casedesk/internal/services"
	"github.com/tbourn/go-casedesk/internal/utils"
)

// CaseReader defines the case retrieval operations consumed by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type CaseReader interface {
	// Get returns a single case by its identifier.
	Get(ctx context.Context, id string) (*domain.Case, error)
	// History returns a case's messages in chronological order.
	History(ctx context.Context, caseID string) ([]domain.Message, error)
	// ListPage returns a page of cases filtered by status ("" for all) and
	// the total matching count.
	ListPage(ctx context.Context, status string, page, pageSize int) ([]domain.Case, int64, error)
}

// Ingestor accepts inbound messages for asynchronous processing. Enqueue
// reports false when the queue is saturated.
type Ingestor interface {
	Enqueue(msg domain.InboundMessage) bool
}

// Handlers groups the HTTP endpoints for cases and the inbound webhook.
type Handlers struct {
	cases CaseReader
	queue Ingestor

	slackSigningSecret string
}

// New constructs a Handlers instance bound to the given dependencies.
// signingSecret authenticates the Slack webhook; an empty secret rejects all
// signed deliveries (fail closed).
func New(cases CaseReader, queue Ingestor, signingSecret string) *Handlers {
	return &Handlers{
		cases:              cases,
		queue:              queue,
		slackSigningSecret: signingSecret,
	}
}

//
// DTOs
//

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListCasesResponse wraps a page of cases and pagination information.
type ListCasesResponse struct {
	Cases      []domain.Case `json:"cases"`
	Pagination Pagination    `json:"pagination"`
}

// CaseDetailResponse is a case together with its full message history.
type CaseDetailResponse struct {
	Case     domain.Case      `json:"case"`
	Messages []domain.Message `json:"messages"`
}

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

// ListCases returns a page of cases. The optional status query param filters
// by lifecycle state ("open" or "closed").
func (h *Handlers) ListCases(c *gin.Context) {
	status := strings.ToLower(strings.TrimSpace(c.Query("status")))
	switch status {
	case "", domain.StatusOpen, domain.StatusClosed:
	default:
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "status must be open or closed")
		return
	}

	page, pageSize := clampPagination(c)
	items, total, err := h.cases.ListPage(c.Request.Context(), status, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListCasesResponse{
		Cases: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// GetCase returns a single case and its message history.
func (h *Handlers) GetCase(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "case id required")
		return
	}

	ctx := c.Request.Context()
	cs, err := h.cases.Get(ctx, id)
	if err != nil {
		if errors.Is(err, services.ErrCaseNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "case not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	msgs, err := h.cases.History(ctx, cs.ID)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	ok(c, http.StatusOK, CaseDetailResponse{Case: *cs, Messages: msgs})
}
