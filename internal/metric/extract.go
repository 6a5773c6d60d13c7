package metric

import (
	"math"

	"github.com/tidwall/gjson"
)

// Extract locates the value for one metric in an arbitrary provider payload.
// It returns the first finite number whose owning field name is one of
// candidates, searching depth-first in document order (object fields in
// insertion order, then array elements). Two conventions from common
// response envelopes apply:
//
//   - a payload that is itself a bare finite number is returned directly;
//   - when the payload has a top-level "result" field, the search starts
//     from that substructure instead of the root.
//
// A payload with no match yields (0, false) — absence, not an error. The
// caller decides whether absence across all metrics is fatal.
func Extract(payload []byte, candidates []string) (float64, bool) {
	if !gjson.ValidBytes(payload) {
		return 0, false
	}

	root := gjson.ParseBytes(payload)
	if root.Type == gjson.Number && finite(root.Num) {
		return root.Num, true
	}

	if result := root.Get("result"); result.Exists() {
		root = result
	}

	keys := make(map[string]struct{}, len(candidates))
	for _, k := range candidates {
		keys[k] = struct{}{}
	}

	return search(root, keys)
}

// search walks the tree depth-first. Within an object, a matching numeric
// field wins before its siblings are visited; a non-matching container is
// descended into before moving on.
func search(node gjson.Result, keys map[string]struct{}) (float64, bool) {
	if !node.IsObject() && !node.IsArray() {
		return 0, false
	}

	var (
		val   float64
		found bool
	)
	isObject := node.IsObject()

	node.ForEach(func(k, v gjson.Result) bool {
		if isObject {
			if _, ok := keys[k.Str]; ok && v.Type == gjson.Number && finite(v.Num) {
				val, found = v.Num, true
				return false
			}
		}
		if v.IsObject() || v.IsArray() {
			if nested, ok := search(v, keys); ok {
				val, found = nested, true
				return false
			}
		}
		return true
	})

	return val, found
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
