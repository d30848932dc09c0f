package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-casedesk/internal/domain"
)

func writeSpoolFile(t *testing.T, root, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(root, "new", name), []byte(content), 0o644); err != nil {
		t.Fatalf("write spool file: %v", err)
	}
}

func TestSpoolFetcher_ParsesAndMovesMessage(t *testing.T) {
	root := t.TempDir()
	f, err := NewSpoolFetcher(root, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSpoolFetcher: %v", err)
	}

	writeSpoolFile(t, root, "msg1.eml",
		"Message-ID: <abc-123@mail.example.com>\r\n"+
			"From: Alice Example <Alice@Example.com>\r\n"+
			"Subject: Printer is broken\r\n"+
			"Date: Mon, 02 Mar 2026 10:15:00 +0000\r\n"+
			"\r\n"+
			"It stopped working this morning.\r\n")

	msgs, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("fetched %d messages, want 1", len(msgs))
	}

	m := msgs[0]
	if m.ExternalID != "abc-123@mail.example.com" {
		t.Errorf("external id = %q", m.ExternalID)
	}
	if m.Source != domain.SourceEmail {
		t.Errorf("source = %q", m.Source)
	}
	if m.Sender != "alice@example.com" {
		t.Errorf("sender = %q", m.Sender)
	}
	want := "Printer is broken\n\nIt stopped working this morning."
	if m.Body != want {
		t.Errorf("body = %q, want %q", m.Body, want)
	}
	if m.ObservedAt.Year() != 2026 || m.ObservedAt.Month() != 3 {
		t.Errorf("observed at = %v, want Date header value", m.ObservedAt)
	}

	if _, err := os.Stat(filepath.Join(root, "cur", "msg1.eml")); err != nil {
		t.Errorf("message not moved to cur/: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "new", "msg1.eml")); !os.IsNotExist(err) {
		t.Errorf("message still in new/: %v", err)
	}
}

func TestSpoolFetcher_SubjectOnlyMessage(t *testing.T) {
	root := t.TempDir()
	f, err := NewSpoolFetcher(root, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSpoolFetcher: %v", err)
	}

	writeSpoolFile(t, root, "subj.eml",
		"Message-ID: <subj-only@mail.example.com>\r\n"+
			"From: bob@example.com\r\n"+
			"Subject: Need access ASAP\r\n"+
			"\r\n")

	msgs, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("fetched %d messages, want 1", len(msgs))
	}
	if msgs[0].Body != "Need access ASAP" {
		t.Errorf("body = %q", msgs[0].Body)
	}
}

func TestSpoolFetcher_MovesUnparseableFilesAside(t *testing.T) {
	root := t.TempDir()
	f, err := NewSpoolFetcher(root, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSpoolFetcher: %v", err)
	}

	// No Message-ID, so the file is rejected but must still leave new/.
	writeSpoolFile(t, root, "bad.eml",
		"From: carol@example.com\r\n\r\nno id here\r\n")

	msgs, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("fetched %d messages, want 0", len(msgs))
	}
	if _, err := os.Stat(filepath.Join(root, "cur", "bad.eml")); err != nil {
		t.Errorf("bad message not moved aside: %v", err)
	}

	// A second fetch sees an empty spool.
	msgs, err = f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("second fetch returned %d messages", len(msgs))
	}
}

func TestSpoolFetcher_DecodesEncodedSubject(t *testing.T) {
	root := t.TempDir()
	f, err := NewSpoolFetcher(root, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSpoolFetcher: %v", err)
	}

	writeSpoolFile(t, root, "enc.eml",
		"Message-ID: <enc@mail.example.com>\r\n"+
			"From: dora@example.com\r\n"+
			"Subject: =?UTF-8?Q?Caf=C3=A9_is_closed?=\r\n"+
			"\r\n"+
			"details inside\r\n")

	msgs, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("fetched %d messages, want 1", len(msgs))
	}
	if got, want := msgs[0].Body, "Café is closed\n\ndetails inside"; got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
}
