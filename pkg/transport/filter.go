package transport

import "encoding/json"

// Filter is a content filter evaluated at the source side of a
// subscription, so subscribers do not pay full deserialization cost for
// records they never wanted. A nil Filter matches everything.
type Filter interface {
	Match(data []byte) bool
}

// kindFilter matches records whose numeric "kind" field is in the set.
// Only the kind field is decoded.
type kindFilter struct {
	kinds map[int32]bool
}

// KindIn returns a filter matching records whose `kind` field equals any
// of the given values. This is how agents subscribe to FUNCTION-only
// advertisements and renderers to CHAIN-only events.
func KindIn(kinds ...int32) Filter {
	set := make(map[int32]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return &kindFilter{kinds: set}
}

func (f *kindFilter) Match(data []byte) bool {
	var probe struct {
		Kind int32 `json:"kind"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	return f.kinds[probe.Kind]
}

// fieldFilter matches records whose string field equals a value.
type fieldFilter struct {
	field string
	value string
}

// FieldEquals returns a filter matching records whose string field equals
// value. Used for reply routing: a caller subscribes to the reply topic
// filtered on `to` = its own participant id.
func FieldEquals(field, value string) Filter {
	return &fieldFilter{field: field, value: value}
}

func (f *fieldFilter) Match(data []byte) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	raw, ok := probe[f.field]
	if !ok {
		return false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false
	}
	return s == f.value
}

// matches applies a possibly-nil filter.
func matches(f Filter, data []byte) bool {
	return f == nil || f.Match(data)
}

// Matches reports whether the filter (nil allowed) accepts the data.
// Exported for transport implementations in subpackages.
func Matches(f Filter, data []byte) bool { return matches(f, data) }
