package store

import (
	"encoding/json"
	"hash/fnv"
	"reflect"
	"sort"
	"time"
)

// TimeLayout is the canonical in-document timestamp format.
// Fixed-width UTC so lexicographic order equals chronological order in every
// backend (JSONB, BSON, plain JSON files).
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in the canonical document format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a canonical document timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

// Document is a JSON-compatible record: scalar values, []any arrays and nested
// map[string]any objects. Every stored document carries a string "id" field.
type Document map[string]any

// ID returns the document id field ("" when absent).
func (d Document) ID() string {
	s, _ := d["id"].(string)
	return s
}

// Clone returns a deep copy so callers can hand snapshots to subscribers
// without aliasing store-internal state.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(Document(t).Clone())
	case Document:
		return map[string]any(t.Clone())
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// mergeDocument applies create-or-merge semantics: top-level fields replace,
// except nested objects which merge recursively (matching the hosted
// document-store merge behavior the UI relies on for participant caches).
func mergeDocument(dst, src Document) Document {
	if dst == nil {
		dst = make(Document, len(src))
	}
	for k, v := range src {
		sm, sok := asMap(v)
		dm, dok := asMap(dst[k])
		if sok && dok {
			dst[k] = map[string]any(mergeDocument(dm, sm))
			continue
		}
		dst[k] = cloneValue(v)
	}
	return dst
}

func asMap(v any) (Document, bool) {
	switch t := v.(type) {
	case map[string]any:
		return Document(t), true
	case Document:
		return t, true
	default:
		return nil, false
	}
}

// matches reports whether doc satisfies every filter.
func matches(doc Document, filters []Filter) bool {
	for _, f := range filters {
		switch f.Op {
		case OpEqual:
			if !valuesEqual(doc[f.Field], f.Value) {
				return false
			}
		case OpArrayContains:
			arr, ok := doc[f.Field].([]any)
			if !ok {
				return false
			}
			found := false
			for _, e := range arr {
				if valuesEqual(e, f.Value) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// sortDocuments orders docs by the query's order-by field, ties broken by id
// so all adapters yield the same ordering for racing inserts.
func sortDocuments(docs []Document, orderBy string, descending bool) {
	if orderBy == "" {
		orderBy = "id"
	}
	sort.SliceStable(docs, func(i, j int) bool {
		c := compareValues(docs[i][orderBy], docs[j][orderBy])
		if c == 0 {
			c = compareValues(docs[i].ID(), docs[j].ID())
		}
		if descending {
			return c > 0
		}
		return c < 0
	})
}

func valuesEqual(a, b any) bool {
	if c, ok := tryCompare(a, b); ok {
		return c == 0
	}
	return reflect.DeepEqual(a, b)
}

// compareValues imposes a total order over document field values:
// nil < bool < number < string < everything else.
func compareValues(a, b any) int {
	if c, ok := tryCompare(a, b); ok {
		return c
	}
	return compareInt(typeRank(a), typeRank(b))
}

func tryCompare(a, b any) (int, bool) {
	if a == nil || b == nil {
		if a == nil && b == nil {
			return 0, true
		}
		if a == nil {
			return -1, true
		}
		return 1, true
	}

	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			default:
				return 0, true
			}
		}
		return 0, false
	}

	switch at := a.(type) {
	case string:
		if bt, ok := b.(string); ok {
			switch {
			case at < bt:
				return -1, true
			case at > bt:
				return 1, true
			default:
				return 0, true
			}
		}
	case bool:
		if bt, ok := b.(bool); ok {
			switch {
			case at == bt:
				return 0, true
			case !at:
				return -1, true
			default:
				return 1, true
			}
		}
	case time.Time:
		if bt, ok := b.(time.Time); ok {
			switch {
			case at.Before(bt):
				return -1, true
			case at.After(bt):
				return 1, true
			default:
				return 0, true
			}
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64, float32, int, int32, int64, json.Number:
		return 2
	case string, time.Time:
		return 3
	default:
		return 4
	}
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// applyUpdates mutates doc in place. All ops are applied before any
// subscriber observes the document, so the batch is atomic from the caller's
// perspective.
func applyUpdates(doc Document, ops []Update) {
	for _, op := range ops {
		switch op.Kind {
		case UpdateSet:
			doc[op.Field] = cloneValue(op.Value)
		case UpdateArrayUnion:
			arr, _ := doc[op.Field].([]any)
			exists := false
			for _, e := range arr {
				if valuesEqual(e, op.Value) {
					exists = true
					break
				}
			}
			if !exists {
				doc[op.Field] = append(arr, cloneValue(op.Value))
			}
		case UpdateArrayRemove:
			arr, _ := doc[op.Field].([]any)
			out := arr[:0]
			for _, e := range arr {
				if !valuesEqual(e, op.Value) && !reflect.DeepEqual(e, op.Value) {
					out = append(out, e)
				}
			}
			doc[op.Field] = append([]any(nil), out...)
		case UpdateIncrement:
			cur, _ := toFloat(doc[op.Field])
			doc[op.Field] = cur + op.Delta
		}
	}
}

// digestDocuments fingerprints an ordered snapshot; pollers use it to skip
// redundant deliveries.
func digestDocuments(docs []Document) uint64 {
	h := fnv.New64a()
	for _, d := range docs {
		b, err := json.Marshal(map[string]any(d))
		if err != nil {
			continue
		}
		_, _ = h.Write(b)
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}
