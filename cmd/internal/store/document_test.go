package store

import (
	"reflect"
	"testing"
	"time"
)

func TestTimeLayout_LexicographicOrderIsChronological(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	times := []time.Time{
		base,
		base.Add(1 * time.Nanosecond),
		base.Add(999 * time.Millisecond),
		base.Add(1 * time.Second),
		base.Add(24 * time.Hour),
	}

	prev := ""
	for _, tm := range times {
		s := FormatTime(tm)
		if len(s) != len(TimeLayout) {
			t.Fatalf("FormatTime(%v)=%q: not fixed width", tm, s)
		}
		if !(prev < s) {
			t.Fatalf("ordering broken: %q !< %q", prev, s)
		}
		back, err := ParseTime(s)
		if err != nil {
			t.Fatalf("ParseTime(%q): %v", s, err)
		}
		if !back.Equal(tm) {
			t.Fatalf("round trip mismatch: %v != %v", back, tm)
		}
		prev = s
	}
}

func TestMergeDocument(t *testing.T) {
	t.Parallel()

	dst := Document{
		"id":           "a_b",
		"lastMessage":  "hi",
		"participants": []any{"a", "b"},
		"participantNames": map[string]any{
			"a": "Alice",
			"b": "Bob",
		},
	}

	got := mergeDocument(dst, Document{
		"lastMessage": "hello",
		"participantNames": map[string]any{
			"b": "Bobby",
		},
	})

	if got["lastMessage"] != "hello" {
		t.Fatalf("scalar not replaced: %v", got["lastMessage"])
	}

	names, ok := got["participantNames"].(map[string]any)
	if !ok {
		t.Fatalf("participantNames type: %T", got["participantNames"])
	}
	if names["a"] != "Alice" || names["b"] != "Bobby" {
		t.Fatalf("nested merge wrong: %v", names)
	}

	// Arrays replace wholesale, they do not merge.
	got = mergeDocument(got, Document{"participants": []any{"a"}})
	if !reflect.DeepEqual(got["participants"], []any{"a"}) {
		t.Fatalf("array not replaced: %v", got["participants"])
	}
}

func TestMergeDocument_NilDestinationCreates(t *testing.T) {
	t.Parallel()

	got := mergeDocument(nil, Document{"x": 1})
	if got["x"] != 1 {
		t.Fatalf("unexpected: %v", got)
	}
}

func TestMatches(t *testing.T) {
	t.Parallel()

	doc := Document{
		"id":           "a_b",
		"uid":          "a",
		"participants": []any{"a", "b"},
	}

	cases := []struct {
		name    string
		filters []Filter
		want    bool
	}{
		{name: "no filters", filters: nil, want: true},
		{name: "equal hit", filters: []Filter{{Field: "uid", Op: OpEqual, Value: "a"}}, want: true},
		{name: "equal miss", filters: []Filter{{Field: "uid", Op: OpEqual, Value: "z"}}, want: false},
		{name: "contains hit", filters: []Filter{{Field: "participants", Op: OpArrayContains, Value: "b"}}, want: true},
		{name: "contains miss", filters: []Filter{{Field: "participants", Op: OpArrayContains, Value: "c"}}, want: false},
		{name: "contains non-array", filters: []Filter{{Field: "uid", Op: OpArrayContains, Value: "a"}}, want: false},
		{
			name: "all must hold",
			filters: []Filter{
				{Field: "uid", Op: OpEqual, Value: "a"},
				{Field: "participants", Op: OpArrayContains, Value: "c"},
			},
			want: false,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := matches(doc, tc.filters); got != tc.want {
				t.Fatalf("matches()=%v want=%v", got, tc.want)
			}
		})
	}
}

func TestSortDocuments_OrderAndTieBreak(t *testing.T) {
	t.Parallel()

	docs := []Document{
		{"id": "m3", "timestamp": "2025-06-01T12:00:02.000000000Z"},
		{"id": "m2", "timestamp": "2025-06-01T12:00:01.000000000Z"},
		{"id": "m1", "timestamp": "2025-06-01T12:00:01.000000000Z"},
	}

	sortDocuments(docs, "timestamp", false)
	gotIDs := []string{docs[0].ID(), docs[1].ID(), docs[2].ID()}
	if !reflect.DeepEqual(gotIDs, []string{"m1", "m2", "m3"}) {
		t.Fatalf("ascending order wrong: %v", gotIDs)
	}

	sortDocuments(docs, "timestamp", true)
	gotIDs = []string{docs[0].ID(), docs[1].ID(), docs[2].ID()}
	if !reflect.DeepEqual(gotIDs, []string{"m3", "m2", "m1"}) {
		t.Fatalf("descending order wrong: %v", gotIDs)
	}
}

func TestSortDocuments_MissingFieldSortsFirst(t *testing.T) {
	t.Parallel()

	docs := []Document{
		{"id": "b", "lastUpdate": "2025-06-01T12:00:00.000000000Z"},
		{"id": "a"},
	}
	sortDocuments(docs, "lastUpdate", false)
	if docs[0].ID() != "a" {
		t.Fatalf("nil field should sort first, got %v first", docs[0].ID())
	}
}

func TestApplyUpdates(t *testing.T) {
	t.Parallel()

	doc := Document{
		"id":      "p1",
		"likes":   float64(1),
		"likedBy": []any{"a"},
	}

	applyUpdates(doc, []Update{
		Set("caption", "hello"),
		AddUnique("likedBy", "b"),
		Inc("likes", 1),
	})

	if doc["caption"] != "hello" {
		t.Fatalf("set failed: %v", doc["caption"])
	}
	if !reflect.DeepEqual(doc["likedBy"], []any{"a", "b"}) {
		t.Fatalf("add-unique failed: %v", doc["likedBy"])
	}
	if doc["likes"] != float64(2) {
		t.Fatalf("increment failed: %v", doc["likes"])
	}

	// Union is idempotent.
	applyUpdates(doc, []Update{AddUnique("likedBy", "b")})
	if !reflect.DeepEqual(doc["likedBy"], []any{"a", "b"}) {
		t.Fatalf("add-unique not idempotent: %v", doc["likedBy"])
	}

	applyUpdates(doc, []Update{
		RemoveMatching("likedBy", "a"),
		Inc("likes", -1),
	})
	if !reflect.DeepEqual(doc["likedBy"], []any{"b"}) {
		t.Fatalf("remove-matching failed: %v", doc["likedBy"])
	}
	if doc["likes"] != float64(1) {
		t.Fatalf("decrement failed: %v", doc["likes"])
	}

	// Removing an absent element is a no-op.
	applyUpdates(doc, []Update{RemoveMatching("likedBy", "zz")})
	if !reflect.DeepEqual(doc["likedBy"], []any{"b"}) {
		t.Fatalf("remove of absent element changed array: %v", doc["likedBy"])
	}

	// Increment on a missing field starts from zero.
	applyUpdates(doc, []Update{Inc("views", 3)})
	if doc["views"] != float64(3) {
		t.Fatalf("increment from missing failed: %v", doc["views"])
	}
}

func TestDocumentClone_NoAliasing(t *testing.T) {
	t.Parallel()

	orig := Document{
		"id":   "x",
		"tags": []any{"one"},
		"meta": map[string]any{"k": "v"},
	}

	cp := orig.Clone()
	cp["tags"].([]any)[0] = "changed"
	cp["meta"].(map[string]any)["k"] = "changed"

	if orig["tags"].([]any)[0] != "one" {
		t.Fatalf("clone aliased array")
	}
	if orig["meta"].(map[string]any)["k"] != "v" {
		t.Fatalf("clone aliased map")
	}
}

func TestDigestDocuments_ChangesWithContent(t *testing.T) {
	t.Parallel()

	a := []Document{{"id": "1", "text": "hi"}}
	b := []Document{{"id": "1", "text": "hello"}}

	if digestDocuments(a) == digestDocuments(b) {
		t.Fatalf("digest should differ for different content")
	}
	if digestDocuments(a) != digestDocuments([]Document{{"id": "1", "text": "hi"}}) {
		t.Fatalf("digest should be stable for equal content")
	}
}
