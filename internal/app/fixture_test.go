package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nomicms/api/internal/rbac"
	"nomicms/api/internal/store"
	"nomicms/api/internal/users"
)

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

var (
	alice = rbac.Member{ID: "alice", Role: rbac.RoleUser}
	bob   = rbac.Member{ID: "bob", Role: rbac.RoleUser}
	admin = rbac.Member{ID: "admin", Role: rbac.RoleAdmin}
)

var testUsers = users.StaticSource{
	"alice": {ID: "alice", DisplayName: "Alice"},
	"bob":   {ID: "bob", DisplayName: "Bob"},
	"admin": {ID: "admin", DisplayName: "Admin"},
}

type fakeContentStore struct {
	inner      *store.MemoryStore
	readAllFn  func(context.Context) (store.Snapshot, error)
	writeAllFn func(context.Context, store.Snapshot) error

	mu     sync.Mutex
	writes int
}

func (f *fakeContentStore) ReadAll(ctx context.Context) (store.Snapshot, error) {
	if f.readAllFn != nil {
		return f.readAllFn(ctx)
	}
	return f.inner.ReadAll(ctx)
}

func (f *fakeContentStore) WriteAll(ctx context.Context, snapshot store.Snapshot) error {
	if f.writeAllFn != nil {
		if err := f.writeAllFn(ctx, snapshot); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.writes++
	f.mu.Unlock()
	return f.inner.WriteAll(ctx, snapshot)
}

func (f *fakeContentStore) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

// testClock advances one second per call.
type testClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(time.Second)
	return c.current
}

type fixture struct {
	service *Service
	store   *fakeContentStore
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, snapshot store.Snapshot) *fixture {
	t.Helper()
	contentStore := &fakeContentStore{inner: store.NewMemoryStore(snapshot)}
	clock := &testClock{current: baseTime}
	var counter atomic.Int64
	resolver := users.NewResolver(testUsers, "/avatar.png", discardLogger())
	service := New(store.NewGuard(contentStore), resolver, Options{
		Logger: discardLogger(),
		Locale: "ru",
		Now:    clock.Now,
		NewID: func(prefix string) string {
			return fmt.Sprintf("%s-%d", prefix, counter.Add(1))
		},
	})
	return &fixture{service: service, store: contentStore}
}

func (f *fixture) snapshot(t *testing.T) store.Snapshot {
	t.Helper()
	snapshot, err := f.store.inner.ReadAll(context.Background())
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	return snapshot
}

// forumLayout is one category with an open section s1 and a locked s2.
func forumLayout() store.Snapshot {
	created := baseTime.Add(-time.Hour)
	return store.Snapshot{
		Categories: []store.Category{{
			ID: "c1", Slug: "general", Title: "General", Order: 1,
			SectionIDs: []string{"s1", "s2"}, CreatedAt: created, UpdatedAt: created,
		}},
		Sections: []store.Section{
			{ID: "s1", CategoryID: "c1", Slug: "talk", Title: "Talk", Order: 1, CreatedAt: created, UpdatedAt: created},
			{ID: "s2", CategoryID: "c1", Slug: "news", Title: "News", Order: 2, IsLocked: true, CreatedAt: created, UpdatedAt: created},
		},
	}
}

// withThread adds topic t1 in s1: root p1 by alice, p2 by bob carrying
// votes, and p3 by alice replying to p2.
func withThread(snapshot store.Snapshot) store.Snapshot {
	t0 := baseTime.Add(-30 * time.Minute)
	last := t0.Add(2 * time.Minute)
	snapshot.Topics = append(snapshot.Topics, store.Topic{
		ID: "t1", SectionID: "s1", Slug: "thread", Title: "Thread", AuthorID: "alice",
		PostIDs: []string{"p1", "p2", "p3"}, LastPostAt: &last, LastPostUserID: "alice",
		CreatedAt: t0, UpdatedAt: last,
	})
	snapshot.Posts = append(snapshot.Posts,
		store.Post{ID: "p1", TopicID: "t1", AuthorID: "alice", Content: "Opening", CreatedAt: t0, UpdatedAt: t0},
		store.Post{
			ID: "p2", TopicID: "t1", AuthorID: "bob", Content: "Reply",
			Votes:     map[string]int{"u1": 1, "u2": 1, "u3": -1},
			CreatedAt: t0.Add(time.Minute), UpdatedAt: t0.Add(time.Minute),
		},
		store.Post{ID: "p3", TopicID: "t1", AuthorID: "alice", Content: "Follow-up", ReplyToPostID: strPtr("p2"), CreatedAt: last, UpdatedAt: last},
	)
	return snapshot
}

// topicAt builds a single-post topic whose activity is at.
func topicAt(id, sectionID string, at time.Time, pinned bool) (store.Topic, store.Post) {
	rootID := id + "-root"
	activity := at
	topic := store.Topic{
		ID: id, SectionID: sectionID, Slug: id, Title: "Topic " + id, AuthorID: "alice",
		IsPinned: pinned, PostIDs: []string{rootID}, LastPostAt: &activity, LastPostUserID: "alice",
		CreatedAt: at, UpdatedAt: at,
	}
	post := store.Post{ID: rootID, TopicID: id, AuthorID: "alice", Content: "Body of " + id, CreatedAt: at, UpdatedAt: at}
	return topic, post
}

func strPtr(value string) *string { return &value }

func intPtr(value int) *int { return &value }

func boolPtr(value bool) *bool { return &value }

func requireStatus(t *testing.T, err error, status int) *DomainError {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError with status %d, got %v", status, err)
	}
	if domainErr.Status != status {
		t.Fatalf("status = %d, want %d (%v)", domainErr.Status, status, domainErr)
	}
	return domainErr
}

// assertPostOrder checks that every live topic lists exactly its live
// posts in creation order.
func assertPostOrder(t *testing.T, snapshot store.Snapshot) {
	t.Helper()
	for _, topic := range snapshot.Topics {
		if !topic.Live() {
			continue
		}
		want := []string{}
		for _, post := range snapshot.LivePosts(topic.ID) {
			want = append(want, post.ID)
		}
		got := append([]string{}, topic.PostIDs...)
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("topic %s postIds = %v, want %v", topic.ID, got, want)
		}
	}
}

func findTopic(t *testing.T, snapshot store.Snapshot, id string) store.Topic {
	t.Helper()
	topic := snapshot.Topic(id)
	if topic == nil {
		t.Fatalf("topic %s not found", id)
	}
	return *topic
}

func findPost(t *testing.T, snapshot store.Snapshot, id string) store.Post {
	t.Helper()
	post := snapshot.Post(id)
	if post == nil {
		t.Fatalf("post %s not found", id)
	}
	return *post
}
