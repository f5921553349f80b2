package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// canonicalBytes produces the deterministic byte encoding that gets signed
// and hashed: the scalar fields in fixed order, pipe-delimited, followed by
// the canonical JSON of the nested payloads. String fields are
// length-prefixed so a value containing the delimiter can never collide
// with a different field split. Two processes given identical field values
// always produce identical bytes.
func canonicalBytes(e *Entry) ([]byte, error) {
	inputs, err := canonicalJSON(e.Inputs)
	if err != nil {
		return nil, fmt.Errorf("inputs: %w", err)
	}
	output, err := canonicalJSON(e.Output)
	if err != nil {
		return nil, fmt.Errorf("output: %w", err)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%d|", e.Timestamp)
	writeLenPrefixed(&buf, e.OpID)
	writeLenPrefixed(&buf, e.ParentID)
	writeLenPrefixed(&buf, e.Operation)
	fmt.Fprintf(&buf, "%s|%t|", formatFloat(e.Coverage), e.InvariantPassed)
	buf.Write(inputs)
	buf.WriteByte('|')
	buf.Write(output)
	return buf.Bytes(), nil
}

func writeLenPrefixed(buf *bytes.Buffer, s string) {
	fmt.Fprintf(buf, "%d:%s|", len(s), s)
}

// formatFloat renders a float with the shortest representation that
// round-trips, so every implementation emits the same digits.
func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// canonicalJSON encodes a payload with deterministic key ordering: maps are
// flattened to sorted [key, value, key, value, ...] arrays and numbers are
// normalized to their shortest round-tripping form. Values that are not
// representable as canonical JSON are rejected, never coerced.
func canonicalJSON(v any) ([]byte, error) {
	stable, err := normalize(v)
	if err != nil {
		return nil, err
	}
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(stable); err != nil {
		return nil, err
	}
	return bytes.TrimSpace(buf.Bytes()), nil
}

func normalize(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, 0, len(keys)*2)
		for _, k := range keys {
			nv, err := normalize(val[k])
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			out = append(out, k, nv)
		}
		return out, nil
	case []any:
		out := make([]any, 0, len(val))
		for i, item := range val {
			nv, err := normalize(item)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out = append(out, nv)
		}
		return out, nil
	case string, bool:
		return val, nil
	case json.Number:
		return val.String(), nil
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil, fmt.Errorf("%w: non-finite number %v", ErrBadPayload, val)
		}
		return formatFloat(val), nil
	case float32:
		return normalize(float64(val))
	case int:
		return strconv.FormatInt(int64(val), 10), nil
	case int32:
		return strconv.FormatInt(int64(val), 10), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case uint:
		return strconv.FormatUint(uint64(val), 10), nil
	case uint64:
		return strconv.FormatUint(val, 10), nil
	default:
		return nil, fmt.Errorf("%w: unsupported payload type %T", ErrBadPayload, v)
	}
}
