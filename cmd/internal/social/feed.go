package social

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"prism/cmd/internal/ids"
	"prism/cmd/internal/store"
)

const postsCollection = "posts"

// Comment is one embedded comment on a post document.
type Comment struct {
	ID         string
	UserID     string
	UserName   string
	UserAvatar string
	Text       string
	CreatedAt  time.Time
	Edited     bool
}

// Feed wraps post persistence. Post documents stay free-form: the messaging
// core consumes them read-only for link previews and must not constrain the
// presentation layer's shape.
type Feed struct {
	log   *slog.Logger
	store store.Store
}

// NewFeed constructs the feed service over st.
func NewFeed(log *slog.Logger, st store.Store) *Feed {
	if log == nil {
		log = slog.Default()
	}
	return &Feed{log: log, store: st}
}

// SavePost creates a post with fresh counters.
func (f *Feed) SavePost(ctx context.Context, fields store.Document) (string, error) {
	doc := fields.Clone()
	if doc == nil {
		doc = store.Document{}
	}
	doc["createdAt"] = store.FormatTime(time.Now())
	doc["likes"] = 0
	doc["likedBy"] = []any{}
	doc["comments"] = []any{}

	return f.store.Insert(ctx, postsCollection, doc)
}

// UpdatePost replaces the given fields on an existing post.
func (f *Feed) UpdatePost(ctx context.Context, postID string, updates store.Document) error {
	if strings.TrimSpace(postID) == "" || len(updates) == 0 {
		return store.ErrInvalidInput
	}

	ops := make([]store.Update, 0, len(updates)+1)
	for k, v := range updates {
		ops = append(ops, store.Set(k, v))
	}
	ops = append(ops, store.Set("updatedAt", store.FormatTime(time.Now())))

	return f.store.Mutate(ctx, postsCollection, postID, ops)
}

// DeletePost removes a post; a second delete is a harmless no-op.
func (f *Feed) DeletePost(ctx context.Context, postID string) error {
	err := f.store.Remove(ctx, postsCollection, postID)
	if store.IsNotFound(err) {
		return nil
	}
	return err
}

// ToggleLike flips uid's like on a post: counter and likedBy membership move
// together in one atomic mutate batch.
func (f *Feed) ToggleLike(ctx context.Context, postID, uid string, liked bool) error {
	if strings.TrimSpace(postID) == "" || strings.TrimSpace(uid) == "" {
		return store.ErrInvalidInput
	}

	var ops []store.Update
	if liked {
		ops = []store.Update{
			store.RemoveMatching("likedBy", uid),
			store.Inc("likes", -1),
		}
	} else {
		ops = []store.Update{
			store.AddUnique("likedBy", uid),
			store.Inc("likes", 1),
		}
	}
	return f.store.Mutate(ctx, postsCollection, postID, ops)
}

// AddComment appends an embedded comment and returns its generated id.
func (f *Feed) AddComment(ctx context.Context, postID string, c Comment) (string, error) {
	if strings.TrimSpace(postID) == "" || strings.TrimSpace(c.Text) == "" {
		return "", store.ErrInvalidInput
	}

	id, err := ids.NewULID(time.Now())
	if err != nil {
		return "", err
	}

	entry := map[string]any{
		"id":         id,
		"userId":     c.UserID,
		"userName":   c.UserName,
		"userAvatar": c.UserAvatar,
		"text":       c.Text,
		"createdAt":  store.FormatTime(time.Now()),
	}
	if err := f.store.Mutate(ctx, postsCollection, postID, []store.Update{
		store.AddUnique("comments", entry),
	}); err != nil {
		return "", err
	}
	return id, nil
}

// EditComment rewrites one embedded comment's text in place.
func (f *Feed) EditComment(ctx context.Context, postID, commentID, newText string) error {
	return f.rewriteComments(ctx, postID, func(comments []any) []any {
		for _, e := range comments {
			m, ok := e.(map[string]any)
			if !ok || m["id"] != commentID {
				continue
			}
			m["text"] = newText
			m["edited"] = true
			m["updatedAt"] = store.FormatTime(time.Now())
		}
		return comments
	})
}

// DeleteComment drops one embedded comment.
func (f *Feed) DeleteComment(ctx context.Context, postID, commentID string) error {
	return f.rewriteComments(ctx, postID, func(comments []any) []any {
		out := comments[:0]
		for _, e := range comments {
			if m, ok := e.(map[string]any); ok && m["id"] == commentID {
				continue
			}
			out = append(out, e)
		}
		return out
	})
}

// rewriteComments is read-modify-write: embedded comments have no stable
// array position, so point edits load the post first. A missing post is
// treated as "no effect".
func (f *Feed) rewriteComments(ctx context.Context, postID string, rewrite func([]any) []any) error {
	if strings.TrimSpace(postID) == "" {
		return store.ErrInvalidInput
	}

	doc, err := f.store.Get(ctx, postsCollection, postID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		return err
	}

	comments, _ := doc["comments"].([]any)
	updated := rewrite(comments)

	err = f.store.Mutate(ctx, postsCollection, postID, []store.Update{
		store.Set("comments", updated),
	})
	if store.IsNotFound(err) {
		return nil
	}
	return err
}

// SubscribePosts streams the post feed newest-first, optionally scoped to a
// group.
func (f *Feed) SubscribePosts(ctx context.Context, groupID string, fn func([]store.Document)) (store.Unsubscribe, error) {
	if fn == nil {
		return nil, store.ErrInvalidInput
	}

	q := store.Query{
		Collection: postsCollection,
		OrderBy:    "createdAt",
		Descending: true,
	}
	if groupID = strings.TrimSpace(groupID); groupID != "" {
		q = q.Where("groupId", groupID)
	}

	return f.store.Subscribe(ctx, q, fn)
}
