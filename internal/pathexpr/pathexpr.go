// Package pathexpr resolves dot/bracket paths against decoded JSON values.
//
// A path is a sequence of segments: bare keys separated by dots
// ("quote.price"), numeric indices in brackets ("results[0].price") and
// quoted keys in brackets for names that themselves contain dots or spaces
// (`["Global Quote"]["05. price"]`).
package pathexpr

import (
	"fmt"
	"strconv"
	"strings"
)

type segment struct {
	key   string
	index int
	isKey bool
}

// parse splits a path expression into its segments. It fails on empty
// segments, unterminated brackets and malformed indices.
func parse(path string) ([]segment, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("empty path")
	}

	var segments []segment
	i := 0
	expectKey := true
	for i < len(path) {
		switch {
		case path[i] == '.':
			if expectKey {
				return nil, fmt.Errorf("empty segment at position %d", i)
			}
			expectKey = true
			i++

		case path[i] == '[':
			end := strings.IndexByte(path[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("unterminated bracket at position %d", i)
			}
			inner := path[i+1 : i+end]
			if len(inner) >= 2 && (inner[0] == '"' || inner[0] == '\'') && inner[len(inner)-1] == inner[0] {
				segments = append(segments, segment{key: inner[1 : len(inner)-1], isKey: true})
			} else {
				idx, err := strconv.Atoi(inner)
				if err != nil || idx < 0 {
					return nil, fmt.Errorf("invalid index %q at position %d", inner, i)
				}
				segments = append(segments, segment{index: idx})
			}
			expectKey = false
			i += end + 1

		default:
			start := i
			for i < len(path) && path[i] != '.' && path[i] != '[' {
				i++
			}
			if !expectKey && len(segments) > 0 {
				return nil, fmt.Errorf("missing separator at position %d", start)
			}
			segments = append(segments, segment{key: path[start:i], isKey: true})
			expectKey = false
		}
	}
	if expectKey && len(segments) > 0 {
		return nil, fmt.Errorf("trailing separator")
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("empty path")
	}
	return segments, nil
}

// Resolve walks data along path. The second return is false when the path is
// malformed or any segment does not exist; a path resolving to an explicit
// JSON null returns (nil, true).
func Resolve(data interface{}, path string) (interface{}, bool) {
	segments, err := parse(path)
	if err != nil {
		return nil, false
	}

	current := data
	for _, seg := range segments {
		if seg.isKey {
			m, ok := current.(map[string]interface{})
			if !ok {
				return nil, false
			}
			current, ok = m[seg.key]
			if !ok {
				return nil, false
			}
			continue
		}

		arr, ok := current.([]interface{})
		if !ok || seg.index >= len(arr) {
			return nil, false
		}
		current = arr[seg.index]
	}
	return current, true
}

// First resolves the first path that exists, trying candidates in order.
func First(data interface{}, paths ...string) (interface{}, bool) {
	for _, p := range paths {
		if v, ok := Resolve(data, p); ok {
			return v, true
		}
	}
	return nil, false
}
