package chunks

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "chunks.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	pid := uuid.New()
	created, err := store.Create(ctx, CreateRequest{
		Content:   "tool output body",
		ProjectID: &pid,
		Tags:      []string{"tool_result", "mcp:github"},
		Source:    "mcp:github:search_issues",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID == uuid.Nil {
		t.Fatal("created chunk has nil id")
	}
	if created.Status != StatusInbox {
		t.Errorf("Status = %q, want %q", created.Status, StatusInbox)
	}
	if created.TokenCount != len("tool output body")/4 {
		t.Errorf("TokenCount = %d", created.TokenCount)
	}

	got, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Content != created.Content {
		t.Errorf("Content = %q, want %q", got.Content, created.Content)
	}
	if got.Source != "mcp:github:search_issues" {
		t.Errorf("Source = %q", got.Source)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "tool_result" {
		t.Errorf("Tags = %v", got.Tags)
	}
	if got.ProjectID == nil || *got.ProjectID != pid {
		t.Errorf("ProjectID = %v, want %s", got.ProjectID, pid)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not persisted")
	}
}

func TestCreateRejectsEmptyContent(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Create(context.Background(), CreateRequest{Content: ""}); err == nil {
		t.Error("Create with empty content succeeded")
	}
}

func TestCreateWithoutProject(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, CreateRequest{Content: "orphan"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ProjectID != nil {
		t.Errorf("ProjectID = %v, want nil", got.ProjectID)
	}
	if len(got.Tags) != 0 {
		t.Errorf("Tags = %v, want none", got.Tags)
	}
}

func TestGetNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), uuid.New())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get unknown id = %v, want ErrNotFound", err)
	}
}

func TestListRecentOrderAndLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, content := range []string{"oldest", "middle", "newest"} {
		if _, err := store.Create(ctx, CreateRequest{Content: content}); err != nil {
			t.Fatalf("Create %s: %v", content, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	recent, err := store.ListRecent(ctx, 2)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("got %d chunks, want 2", len(recent))
	}
	if recent[0].Content != "newest" || recent[1].Content != "middle" {
		t.Errorf("order = [%s %s], want newest first", recent[0].Content, recent[1].Content)
	}
}

func TestCountByStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := store.Create(ctx, CreateRequest{Content: "x"}); err != nil {
			t.Fatal(err)
		}
	}

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[StatusInbox] != 3 {
		t.Errorf("inbox count = %d, want 3", counts[StatusInbox])
	}
}

func TestStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunks.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	created, err := store.Create(ctx, CreateRequest{Content: "persists"})
	if err != nil {
		t.Fatal(err)
	}
	store.Close()

	store, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()

	got, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.Content != "persists" {
		t.Errorf("Content = %q", got.Content)
	}
}
