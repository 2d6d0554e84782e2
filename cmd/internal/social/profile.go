// Package social holds the thin profile and feed wrappers around the store
// adapter. They carry no logic of their own beyond field mapping; their job
// is to keep UI code off raw collections.
package social

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"prism/cmd/internal/store"
)

const usersCollection = "users"

// Profile is the persisted user document (users/{uid}).
type Profile struct {
	UID         string
	DisplayName string
	Username    string
	PhotoURL    string
	Email       string
	Bio         string
	Followers   []string
	Following   []string
	CreatedAt   time.Time
}

// Profiles wraps profile persistence and the follow graph.
type Profiles struct {
	log   *slog.Logger
	store store.Store
}

// NewProfiles constructs the profile service over st.
func NewProfiles(log *slog.Logger, st store.Store) *Profiles {
	if log == nil {
		log = slog.Default()
	}
	return &Profiles{log: log, store: st}
}

// Upsert creates or merges the profile document for p.UID.
func (p *Profiles) Upsert(ctx context.Context, profile Profile) error {
	uid := strings.TrimSpace(profile.UID)
	if uid == "" {
		return fmt.Errorf("%w: empty uid", store.ErrInvalidInput)
	}

	fields := store.Document{
		"uid":         uid,
		"displayName": profile.DisplayName,
		"username":    profile.Username,
		"photoURL":    profile.PhotoURL,
		"email":       profile.Email,
	}
	if profile.Bio != "" {
		fields["bio"] = profile.Bio
	}
	if !profile.CreatedAt.IsZero() {
		fields["createdAt"] = store.FormatTime(profile.CreatedAt)
	}

	return p.store.Upsert(ctx, usersCollection, uid, fields)
}

// Subscribe streams the profile at uid; fn receives nil while it is absent.
func (p *Profiles) Subscribe(ctx context.Context, uid string, fn func(*Profile)) (store.Unsubscribe, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" || fn == nil {
		return nil, store.ErrInvalidInput
	}

	q := store.Query{Collection: usersCollection}.Where("uid", uid)

	return p.store.Subscribe(ctx, q, func(docs []store.Document) {
		if len(docs) == 0 {
			fn(nil)
			return
		}
		pr := docToProfile(docs[0])
		fn(&pr)
	})
}

// Follow adds target to current's following set and current to target's
// followers set. Add-unique semantics keep repeated calls idempotent.
func (p *Profiles) Follow(ctx context.Context, currentUID, targetUID string) error {
	return p.setFollow(ctx, currentUID, targetUID, true)
}

// Unfollow reverses Follow. Unfollowing someone never followed is a no-op.
func (p *Profiles) Unfollow(ctx context.Context, currentUID, targetUID string) error {
	return p.setFollow(ctx, currentUID, targetUID, false)
}

func (p *Profiles) setFollow(ctx context.Context, currentUID, targetUID string, follow bool) error {
	currentUID = strings.TrimSpace(currentUID)
	targetUID = strings.TrimSpace(targetUID)
	if currentUID == "" || targetUID == "" || currentUID == targetUID {
		return store.ErrInvalidInput
	}

	op := store.RemoveMatching
	if follow {
		op = store.AddUnique
	}

	// Two independent single-document writes; no cross-record guarantee.
	if err := p.store.Mutate(ctx, usersCollection, currentUID, []store.Update{op("following", targetUID)}); err != nil && !store.IsNotFound(err) {
		return err
	}
	if err := p.store.Mutate(ctx, usersCollection, targetUID, []store.Update{op("followers", currentUID)}); err != nil && !store.IsNotFound(err) {
		return err
	}
	return nil
}

func docToProfile(d store.Document) Profile {
	p := Profile{}
	p.UID, _ = d["uid"].(string)
	p.DisplayName, _ = d["displayName"].(string)
	p.Username, _ = d["username"].(string)
	p.PhotoURL, _ = d["photoURL"].(string)
	p.Email, _ = d["email"].(string)
	p.Bio, _ = d["bio"].(string)
	p.Followers = stringSlice(d["followers"])
	p.Following = stringSlice(d["following"])
	if s, ok := d["createdAt"].(string); ok {
		if t, err := store.ParseTime(s); err == nil {
			p.CreatedAt = t
		}
	}
	return p
}

func stringSlice(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
