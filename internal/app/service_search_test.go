package app

import (
	"context"
	"testing"

	"courier/api/internal/search"
)

type recordingSearcher struct {
	last search.Query
}

func (r *recordingSearcher) Search(q search.Query) search.Response {
	r.last = q
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

func (r *recordingSearcher) IndexMessage(search.MessageRecord) {}

func TestSearchClampsPaging(t *testing.T) {
	ms := newMemStore()
	ms.addUser("alice", "alice@example.com")
	svc := newTestService(ms)
	rec := &recordingSearcher{}
	svc.search = rec

	if _, err := svc.Search(context.Background(), sessionFor("alice", "alice@example.com"), "hello", "", 1000000, -5); err != nil {
		t.Fatalf("search: %v", err)
	}
	if rec.last.Limit != searchMaxLimit {
		t.Errorf("limit = %d, want %d", rec.last.Limit, searchMaxLimit)
	}
	if rec.last.Offset != 0 {
		t.Errorf("offset = %d, want 0", rec.last.Offset)
	}

	if _, err := svc.Search(context.Background(), sessionFor("alice", "alice@example.com"), "hello", "", 0, 40); err != nil {
		t.Fatalf("search: %v", err)
	}
	if rec.last.Limit != 20 {
		t.Errorf("default limit = %d, want 20", rec.last.Limit)
	}
	if rec.last.Offset != 40 {
		t.Errorf("offset = %d, want 40", rec.last.Offset)
	}
}
