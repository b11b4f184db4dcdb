// Package topic builds the canonical topic strings that tie a route's
// subscription parameters to the engine's topic lifecycle. Byte-exact
// agreement between producer and consumer of a topic string is a hard
// correctness contract (spec.md §4.1): any divergence here silently starves
// a connected client of updates.
package topic

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// InvalidParamsError reports a parameter value that cannot be represented in
// the canonical form (a function, channel, or other non-JSON value).
type InvalidParamsError struct {
	Err error
}

func (e *InvalidParamsError) Error() string {
	return fmt.Sprintf("invalid subscription params: %v", e.Err)
}

func (e *InvalidParamsError) Unwrap() error { return e.Err }

// Build computes "route:canonical-params" for an arbitrary params value.
// params is first round-tripped through encoding/json so that structs,
// maps, and already-decoded json.RawMessage all canonicalize identically.
func Build(route string, params any) (string, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return "", &InvalidParamsError{Err: err}
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", &InvalidParamsError{Err: err}
	}

	var b strings.Builder
	if err := canonicalize(&b, decoded); err != nil {
		return "", err
	}
	return route + ":" + b.String(), nil
}

// canonicalize implements spec.md §4.1's algorithm: objects sorted
// lexicographically by key, arrays in input order, primitives as their JSON
// scalar form, null/absent as the empty string literal, no whitespace.
func canonicalize(b *strings.Builder, v any) error {
	switch val := v.(type) {
	case nil:
		// Empty, unquoted value for null/absent.
		return nil

	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return &InvalidParamsError{Err: err}
			}
			b.Write(keyJSON)
			b.WriteByte(':')
			if err := canonicalize(b, val[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
		return nil

	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := canonicalize(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(']')
		return nil

	case string:
		strJSON, err := json.Marshal(val)
		if err != nil {
			return &InvalidParamsError{Err: err}
		}
		b.Write(strJSON)
		return nil

	case bool:
		b.WriteString(strconv.FormatBool(val))
		return nil

	case float64:
		b.WriteString(formatNumber(val))
		return nil

	default:
		return &InvalidParamsError{Err: fmt.Errorf("unrepresentable type %T", v)}
	}
}

func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Split is Build's inverse: it recovers a topic string's route name and
// parameter map. Engines use it to re-derive the params a subscribe request
// produced, rather than keeping their own copy of the split/parse logic.
func Split(topicStr string) (route string, params map[string]any, err error) {
	idx := strings.IndexByte(topicStr, ':')
	if idx < 0 {
		return "", nil, fmt.Errorf("topic: malformed topic %q", topicStr)
	}
	route = topicStr[:idx]
	body := topicStr[idx+1:]
	params = make(map[string]any)
	if body == "" {
		return route, params, nil
	}
	if err := json.Unmarshal([]byte(body), &params); err != nil {
		return "", nil, fmt.Errorf("topic: malformed topic body %q: %w", body, err)
	}
	return route, params, nil
}
