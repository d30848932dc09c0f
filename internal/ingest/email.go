// Maildir spool fetcher.
//
// This file implements the email side of ingestion as a Fetcher over a
// maildir-style spool directory: an external delivery agent (fetchmail,
// getmail, an MTA) drops RFC 5322 messages into <root>/new, and each fetch
// parses them and moves them to <root>/cur so they are picked up exactly
// once. Deduplication across redeliveries still belongs to the processed
// ledger, keyed by the Message-ID header.
package ingest

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-casedesk/internal/domain"
)

// SpoolFetcher reads inbound email from a maildir-style spool directory.
type SpoolFetcher struct {
	root   string
	logger zerolog.Logger
}

// NewSpoolFetcher constructs a fetcher rooted at dir. The new/ and cur/
// subdirectories are created when missing.
func NewSpoolFetcher(dir string, logger zerolog.Logger) (*SpoolFetcher, error) {
	for _, sub := range []string{"new", "cur"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create spool dir: %w", err)
		}
	}
	return &SpoolFetcher{
		root:   dir,
		logger: logger.With().Str("component", "email_spool").Logger(),
	}, nil
}

// Fetch parses every message waiting in new/ and moves it to cur/. Files that
// cannot be parsed or lack a Message-ID are logged and moved aside so they do
// not wedge the spool.
func (f *SpoolFetcher) Fetch(ctx context.Context) ([]domain.InboundMessage, error) {
	entries, err := os.ReadDir(filepath.Join(f.root, "new"))
	if err != nil {
		return nil, fmt.Errorf("read spool: %w", err)
	}

	var out []domain.InboundMessage
	for _, e := range entries {
		select {
		case <-ctx.Done():
			return out, nil
		default:
		}
		if e.IsDir() {
			continue
		}

		src := filepath.Join(f.root, "new", e.Name())
		msg, err := f.parseFile(src)
		if err != nil {
			f.logger.Warn().Err(err).Str("file", e.Name()).Msg("unparseable spool message")
		} else {
			out = append(out, msg)
		}

		dst := filepath.Join(f.root, "cur", e.Name())
		if err := os.Rename(src, dst); err != nil {
			f.logger.Error().Err(err).Str("file", e.Name()).Msg("spool move failed")
		}
	}
	return out, nil
}

// parseFile reads one RFC 5322 message into an InboundMessage. The subject
// line is prepended to the body so rule evaluation sees both.
func (f *SpoolFetcher) parseFile(path string) (domain.InboundMessage, error) {
	fh, err := os.Open(path)
	if err != nil {
		return domain.InboundMessage{}, err
	}
	defer fh.Close()

	m, err := mail.ReadMessage(fh)
	if err != nil {
		return domain.InboundMessage{}, fmt.Errorf("parse message: %w", err)
	}

	id := strings.Trim(strings.TrimSpace(m.Header.Get("Message-ID")), "<>")
	if id == "" {
		return domain.InboundMessage{}, fmt.Errorf("missing Message-ID header")
	}

	sender := senderAddress(m.Header.Get("From"))
	if sender == "" {
		return domain.InboundMessage{}, fmt.Errorf("missing From header")
	}

	raw, err := io.ReadAll(io.LimitReader(m.Body, 1<<20))
	if err != nil {
		return domain.InboundMessage{}, fmt.Errorf("read body: %w", err)
	}
	body := strings.TrimSpace(string(raw))
	if subj := decodeSubject(m.Header.Get("Subject")); subj != "" {
		if body != "" {
			body = subj + "\n\n" + body
		} else {
			body = subj
		}
	}

	observed := time.Now().UTC()
	if d, err := m.Header.Date(); err == nil {
		observed = d.UTC()
	}

	return domain.InboundMessage{
		ExternalID: id,
		Source:     domain.SourceEmail,
		Sender:     sender,
		Body:       body,
		ObservedAt: observed,
	}, nil
}

// senderAddress extracts the bare address from a From header value, falling
// back to the raw trimmed value when it does not parse.
func senderAddress(from string) string {
	from = strings.TrimSpace(from)
	if from == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(from); err == nil {
		return strings.ToLower(addr.Address)
	}
	return strings.ToLower(from)
}

// decodeSubject decodes RFC 2047 encoded words, returning the raw value when
// decoding fails.
func decodeSubject(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	dec := new(mime.WordDecoder)
	if out, err := dec.DecodeHeader(s); err == nil {
		return strings.TrimSpace(out)
	}
	return s
}
