package collector

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/terrascope-io/terrascope/internal/domain"
	"github.com/terrascope-io/terrascope/internal/metrics"
)

// memSink records every document put into it.
type memSink struct {
	mu   sync.Mutex
	docs []domain.RawDocument
	err  error
}

func (s *memSink) Put(_ context.Context, doc domain.RawDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.docs = append(s.docs, doc)
	return nil
}

func (s *memSink) all() []domain.RawDocument {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.RawDocument(nil), s.docs...)
}

func TestFilesystemEmitsNewAndModifiedFiles(t *testing.T) {
	dir := t.TempDir()
	c := NewFilesystem(dir, time.Minute, metrics.NewIngest(nil), zap.NewNop())
	sink := &memSink{}
	ctx := context.Background()

	path := filepath.Join(dir, "prod.tfstate")
	if err := os.WriteFile(path, []byte(`{"version":4}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := c.scan(ctx, sink); err != nil {
		t.Fatalf("scan: %v", err)
	}
	docs := sink.all()
	if len(docs) != 1 {
		t.Fatalf("got %d documents, want 1", len(docs))
	}
	if docs[0].Meta.Kind != "filesystem" || docs[0].Meta.Identifier != path {
		t.Errorf("meta = %+v", docs[0].Meta)
	}

	// Unchanged file is not re-emitted.
	if err := c.scan(ctx, sink); err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if got := len(sink.all()); got != 1 {
		t.Fatalf("after unchanged rescan got %d documents, want 1", got)
	}

	// Modified content is re-emitted.
	time.Sleep(10 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{"version":4,"serial":2}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := c.scan(ctx, sink); err != nil {
		t.Fatalf("third scan: %v", err)
	}
	if got := len(sink.all()); got != 2 {
		t.Fatalf("after modification got %d documents, want 2", got)
	}
}

func TestFilesystemSkipsTouchedButIdenticalFile(t *testing.T) {
	dir := t.TempDir()
	c := NewFilesystem(dir, time.Minute, metrics.NewIngest(nil), zap.NewNop())
	sink := &memSink{}
	ctx := context.Background()

	path := filepath.Join(dir, "app.tfstate")
	content := []byte(`{"version":4}`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := c.scan(ctx, sink); err != nil {
		t.Fatal(err)
	}

	// Bump mtime without changing content.
	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}
	if err := c.scan(ctx, sink); err != nil {
		t.Fatal(err)
	}
	if got := len(sink.all()); got != 1 {
		t.Fatalf("touched file re-emitted: got %d documents, want 1", got)
	}
}

func TestFilesystemWalksNestedDirectories(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "env", "prod")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(nested, "db.tfstate"), []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}

	c := NewFilesystem(dir, time.Minute, metrics.NewIngest(nil), zap.NewNop())
	sink := &memSink{}
	if err := c.scan(context.Background(), sink); err != nil {
		t.Fatal(err)
	}
	if got := len(sink.all()); got != 1 {
		t.Fatalf("got %d documents, want 1", got)
	}
}
