package evidence_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/jaga/internal/evidence"
)

func TestPostgresMirror(t *testing.T) {
	dsn := os.Getenv("JAGA_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("JAGA_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration test")
	}
	ctx := context.Background()

	m, err := evidence.NewPostgresMirror(ctx, dsn)
	if err != nil {
		t.Fatalf("NewPostgresMirror: %v", err)
	}
	t.Cleanup(m.Close)

	sid := "test-" + uuid.NewString()
	base := time.Now().UTC().Truncate(time.Millisecond)
	a, _ := evidence.NewRecord("PLATE", "AB-123", "", base)
	b, _ := evidence.NewRecord("DAMAGE", "rear bumper", "dented", base.Add(time.Second))
	for _, r := range []evidence.Record{a, b, a} {
		if err := m.Store(ctx, sid, r); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}

	got, err := m.Records(ctx, sid)
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 records, got %d", len(got))
	}
	if got[0].ID != b.ID || got[0].Details != "dented" || got[1].Category != evidence.CategoryPlate {
		t.Errorf("unexpected records %+v", got)
	}
}

func TestRedisMirror(t *testing.T) {
	url := os.Getenv("JAGA_TEST_REDIS_URL")
	if url == "" {
		t.Skip("JAGA_TEST_REDIS_URL not set, skipping Redis integration test")
	}
	ctx := context.Background()

	m, err := evidence.NewRedisMirror(ctx, url, "jaga:test:"+uuid.NewString())
	if err != nil {
		t.Fatalf("NewRedisMirror: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })

	rec, _ := evidence.NewRecord("location", "A4 exit 12", "", time.Now().UTC())
	if err := m.Store(ctx, "s1", rec); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := m.Store(ctx, "s2", rec); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, err := m.Records(ctx, "s1")
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(got) != 1 || got[0].ID != rec.ID || got[0].Category != evidence.CategoryLocation {
		t.Errorf("unexpected records %+v", got)
	}
}

func TestNewRedisMirror_BadURL(t *testing.T) {
	t.Parallel()

	if _, err := evidence.NewRedisMirror(context.Background(), "not a url", ""); err == nil {
		t.Error("expected error for malformed url")
	}
}

func TestNewPostgresMirror_BadDSN(t *testing.T) {
	t.Parallel()

	if _, err := evidence.NewPostgresMirror(context.Background(), "postgres://%zz"); err == nil {
		t.Error("expected error for malformed dsn")
	}
}
