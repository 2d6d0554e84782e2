package social

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"prism/cmd/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestFeed(t *testing.T) (*Feed, *store.MemoryStore) {
	t.Helper()

	st := store.NewMemoryStore(testLogger())
	t.Cleanup(func() { _ = st.Close() })
	return NewFeed(testLogger(), st), st
}

func TestFeed_SavePostInitializesCounters(t *testing.T) {
	t.Parallel()

	f, st := newTestFeed(t)
	ctx := context.Background()

	id, err := f.SavePost(ctx, store.Document{"caption": "hello", "userId": "u1"})
	if err != nil {
		t.Fatalf("SavePost: %v", err)
	}

	doc, err := st.Get(ctx, "posts", id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if doc["caption"] != "hello" {
		t.Fatalf("caption=%v", doc["caption"])
	}
	if doc["likes"] != 0 {
		t.Fatalf("likes=%v", doc["likes"])
	}
	if arr, ok := doc["likedBy"].([]any); !ok || len(arr) != 0 {
		t.Fatalf("likedBy=%v", doc["likedBy"])
	}
	if _, ok := doc["createdAt"].(string); !ok {
		t.Fatalf("createdAt missing")
	}
}

func TestFeed_ToggleLikeMovesCounterAndMembershipTogether(t *testing.T) {
	t.Parallel()

	f, st := newTestFeed(t)
	ctx := context.Background()

	id, err := f.SavePost(ctx, store.Document{"caption": "p"})
	if err != nil {
		t.Fatalf("SavePost: %v", err)
	}

	if err := f.ToggleLike(ctx, id, "u1", false); err != nil {
		t.Fatalf("like: %v", err)
	}
	doc, _ := st.Get(ctx, "posts", id)
	if doc["likes"] != float64(1) {
		t.Fatalf("likes after like=%v", doc["likes"])
	}
	if arr, _ := doc["likedBy"].([]any); len(arr) != 1 || arr[0] != "u1" {
		t.Fatalf("likedBy after like=%v", doc["likedBy"])
	}

	if err := f.ToggleLike(ctx, id, "u1", true); err != nil {
		t.Fatalf("unlike: %v", err)
	}
	doc, _ = st.Get(ctx, "posts", id)
	if doc["likes"] != float64(0) {
		t.Fatalf("likes after unlike=%v", doc["likes"])
	}
	if arr, _ := doc["likedBy"].([]any); len(arr) != 0 {
		t.Fatalf("likedBy after unlike=%v", doc["likedBy"])
	}
}

func TestFeed_CommentLifecycle(t *testing.T) {
	t.Parallel()

	f, st := newTestFeed(t)
	ctx := context.Background()

	postID, err := f.SavePost(ctx, store.Document{"caption": "p"})
	if err != nil {
		t.Fatalf("SavePost: %v", err)
	}

	c1, err := f.AddComment(ctx, postID, Comment{UserID: "u1", UserName: "Alice", Text: "first"})
	if err != nil {
		t.Fatalf("AddComment: %v", err)
	}
	c2, err := f.AddComment(ctx, postID, Comment{UserID: "u2", UserName: "Bob", Text: "second"})
	if err != nil {
		t.Fatalf("AddComment: %v", err)
	}
	if c1 == c2 {
		t.Fatalf("comment ids must be distinct")
	}

	if err := f.EditComment(ctx, postID, c1, "first (edited)"); err != nil {
		t.Fatalf("EditComment: %v", err)
	}

	doc, _ := st.Get(ctx, "posts", postID)
	comments, _ := doc["comments"].([]any)
	if len(comments) != 2 {
		t.Fatalf("comments=%v", comments)
	}
	first := comments[0].(map[string]any)
	if first["id"] != c1 || first["text"] != "first (edited)" || first["edited"] != true {
		t.Fatalf("edited comment=%v", first)
	}

	if err := f.DeleteComment(ctx, postID, c1); err != nil {
		t.Fatalf("DeleteComment: %v", err)
	}
	doc, _ = st.Get(ctx, "posts", postID)
	comments, _ = doc["comments"].([]any)
	if len(comments) != 1 || comments[0].(map[string]any)["id"] != c2 {
		t.Fatalf("comments after delete=%v", comments)
	}

	// Comment ops against a missing post have no effect and no error.
	if err := f.EditComment(ctx, "ghost", c2, "x"); err != nil {
		t.Fatalf("EditComment on missing post: %v", err)
	}
	if err := f.DeleteComment(ctx, "ghost", c2); err != nil {
		t.Fatalf("DeleteComment on missing post: %v", err)
	}
}

func TestFeed_DeletePostIsIdempotent(t *testing.T) {
	t.Parallel()

	f, _ := newTestFeed(t)
	ctx := context.Background()

	id, err := f.SavePost(ctx, store.Document{"caption": "p"})
	if err != nil {
		t.Fatalf("SavePost: %v", err)
	}

	if err := f.DeletePost(ctx, id); err != nil {
		t.Fatalf("DeletePost: %v", err)
	}
	if err := f.DeletePost(ctx, id); err != nil {
		t.Fatalf("second DeletePost: %v", err)
	}
}

func TestFeed_SubscribePostsNewestFirstAndGroupScoped(t *testing.T) {
	t.Parallel()

	f, st := newTestFeed(t)
	ctx := context.Background()

	// Seed with explicit createdAt values so ordering is deterministic.
	seed := []struct {
		id        string
		createdAt string
		groupID   string
	}{
		{"p1", "2025-06-01T10:00:00.000000000Z", ""},
		{"p2", "2025-06-01T11:00:00.000000000Z", "g1"},
		{"p3", "2025-06-01T12:00:00.000000000Z", ""},
	}
	for _, sd := range seed {
		fields := store.Document{"createdAt": sd.createdAt}
		if sd.groupID != "" {
			fields["groupId"] = sd.groupID
		}
		if err := st.Upsert(ctx, "posts", sd.id, fields); err != nil {
			t.Fatalf("Upsert(%s): %v", sd.id, err)
		}
	}

	var all []store.Document
	unsubAll, err := f.SubscribePosts(ctx, "", func(docs []store.Document) { all = docs })
	if err != nil {
		t.Fatalf("SubscribePosts: %v", err)
	}
	defer unsubAll()

	if len(all) != 3 || all[0].ID() != "p3" || all[2].ID() != "p1" {
		ids := make([]string, 0, len(all))
		for _, d := range all {
			ids = append(ids, d.ID())
		}
		t.Fatalf("feed order=%v", ids)
	}

	var grouped []store.Document
	unsubGroup, err := f.SubscribePosts(ctx, "g1", func(docs []store.Document) { grouped = docs })
	if err != nil {
		t.Fatalf("SubscribePosts(g1): %v", err)
	}
	defer unsubGroup()

	if len(grouped) != 1 || grouped[0].ID() != "p2" {
		t.Fatalf("grouped=%v", grouped)
	}
}
