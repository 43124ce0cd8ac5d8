package memory

import (
	"context"
	"testing"
	"time"

	"github.com/tjfontaine/trialmatch/internal/core/domain"
	"github.com/tjfontaine/trialmatch/internal/core/ports"
)

func newSession(id string, updated time.Time) *domain.Session {
	return &domain.Session{
		ID:        id,
		Mode:      domain.ModeMock,
		Turns:     []domain.Turn{},
		CreatedAt: updated,
		UpdatedAt: updated,
	}
}

func TestMemoryStore_CreateGet(t *testing.T) {
	store := New(time.Hour)
	ctx := context.Background()

	sess := newSession("s1", time.Now())
	sess.Profile.Biomarkers = map[string]string{"EGFR": "positive"}
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// The store keeps its own copy.
	sess.Profile.Biomarkers["EGFR"] = "negative"

	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Profile.Biomarkers["EGFR"] != "positive" {
		t.Errorf("stored biomarker = %q, want positive", got.Profile.Biomarkers["EGFR"])
	}

	if err := store.Create(ctx, newSession("s1", time.Now())); err == nil {
		t.Error("Create() with duplicate id should fail")
	}
}

func TestMemoryStore_NotFound(t *testing.T) {
	store := New(time.Hour)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"get", func() error { _, err := store.Get(ctx, "missing"); return err }},
		{"put", func() error { return store.Put(ctx, newSession("missing", time.Now())) }},
		{"delete", func() error { return store.Delete(ctx, "missing") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if !domain.IsKind(err, domain.ErrorKindNotFound) {
				t.Errorf("error = %v, want not_found", err)
			}
		})
	}
}

func TestMemoryStore_PutReplaces(t *testing.T) {
	store := New(time.Hour)
	ctx := context.Background()

	if err := store.Create(ctx, newSession("s1", time.Now())); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	sess, _ := store.Get(ctx, "s1")
	sess.LastUserInput = "61yo male"
	sess.Turns = append(sess.Turns, domain.Turn{Role: domain.RoleUser, Text: "61yo male"})
	if err := store.Put(ctx, sess); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, _ := store.Get(ctx, "s1")
	if got.LastUserInput != "61yo male" || len(got.Turns) != 1 {
		t.Errorf("Get() after Put = %+v", got)
	}
}

func TestMemoryStore_ListOrderAndPaging(t *testing.T) {
	store := New(time.Hour)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c", "d"} {
		if err := store.Create(ctx, newSession(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("Create(%s) error = %v", id, err)
		}
	}

	tests := []struct {
		name string
		opts ports.ListOptions
		want []string
	}{
		{"all newest first", ports.ListOptions{}, []string{"d", "c", "b", "a"}},
		{"limit", ports.ListOptions{Limit: 2}, []string{"d", "c"}},
		{"offset", ports.ListOptions{Offset: 1, Limit: 2}, []string{"c", "b"}},
		{"offset past end", ports.ListOptions{Offset: 10}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.List(ctx, tt.opts)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("List() returned %d sessions, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("List()[%d] = %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestMemoryStore_Expiry(t *testing.T) {
	store := New(20 * time.Millisecond)
	ctx := context.Background()

	if err := store.Create(ctx, newSession("s1", time.Now())); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if _, err := store.Get(ctx, "s1"); !domain.IsKind(err, domain.ErrorKindNotFound) {
		t.Errorf("Get() after ttl error = %v, want not_found", err)
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	store := New(time.Hour)
	ctx := context.Background()

	_ = store.Create(ctx, newSession("s1", time.Now()))
	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if store.Len() != 0 {
		t.Errorf("Len() = %d, want 0", store.Len())
	}
}
