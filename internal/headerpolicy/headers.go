// Package headerpolicy classifies HTTP header names (auth / sensitive /
// safe), redacts values for display, and provides the case-preserving,
// case-insensitive-lookup Headers type used throughout capture and replay.
//
// Headers is adapted from the teacher repo's client.OrderedHeader
// (client/ordered_header.go): same slice-of-entries representation so
// header insertion order is kept in memory and exact capitalisation
// survives JSON round-trips (order does not; see UnmarshalJSON),
// generalised here from an HTTP-client-send-side helper into the capture
// record's header field type.
package headerpolicy

import (
	"encoding/json"
	"net/http"
)

type headerEntry struct {
	name  string
	value string
}

// Headers is an ordered multimap from header name to value. Lookup is
// case-insensitive; the original capitalisation of each name is preserved
// for display and for replay.
type Headers struct {
	entries []headerEntry
}

// NewHeaders creates an empty Headers value.
func NewHeaders() *Headers { return &Headers{} }

// FromMap builds a Headers value from a plain map, in Go's (unspecified)
// map iteration order. Prefer Set in a loop over a known-order slice when
// order matters to the caller.
func FromMap(m map[string]string) *Headers {
	h := &Headers{}
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}

// Set replaces the first entry matching name case-insensitively with value,
// removing any further duplicates; if no entry matches, Set appends one.
// The stored capitalisation is the one passed to Set.
func (h *Headers) Set(name, value string) {
	canon := http.CanonicalHeaderKey(name)
	replaced := false
	out := h.entries[:0]
	for _, e := range h.entries {
		if http.CanonicalHeaderKey(e.name) == canon {
			if !replaced {
				out = append(out, headerEntry{name: name, value: value})
				replaced = true
			}
			continue
		}
		out = append(out, e)
	}
	if !replaced {
		out = append(out, headerEntry{name: name, value: value})
	}
	h.entries = out
}

// Del removes every entry matching name case-insensitively.
func (h *Headers) Del(name string) {
	canon := http.CanonicalHeaderKey(name)
	out := h.entries[:0]
	for _, e := range h.entries {
		if http.CanonicalHeaderKey(e.name) != canon {
			out = append(out, e)
		}
	}
	h.entries = out
}

// Get returns the value of the first entry matching name case-insensitively.
func (h *Headers) Get(name string) (string, bool) {
	canon := http.CanonicalHeaderKey(name)
	for _, e := range h.entries {
		if http.CanonicalHeaderKey(e.name) == canon {
			return e.value, true
		}
	}
	return "", false
}

// Names returns header names in insertion order (duplicates included).
func (h *Headers) Names() []string {
	out := make([]string, len(h.entries))
	for i, e := range h.entries {
		out[i] = e.name
	}
	return out
}

// Len returns the number of entries (including duplicates for repeated
// names).
func (h *Headers) Len() int { return len(h.entries) }

// Clone returns a deep copy of h.
func (h *Headers) Clone() *Headers {
	c := &Headers{entries: make([]headerEntry, len(h.entries))}
	copy(c.entries, h.entries)
	return c
}

// ApplyToRequest writes every entry into req.Header, bypassing
// net/http's canonical-key normalisation so the exact capitalisation
// observed in the original capture reaches the wire. Existing headers on
// req are discarded first; callers that want to merge should call Set on a
// Headers value before calling ApplyToRequest.
func (h *Headers) ApplyToRequest(req *http.Request) {
	req.Header = make(http.Header, len(h.entries))
	for _, e := range h.entries {
		req.Header[e.name] = append(req.Header[e.name], e.value)
	}
}

// ToMap renders Headers as a plain map[string]string for JSON
// serialisation; last-writer-wins on duplicate names, matching the wire
// format in SPEC_FULL.md §3 where headers is a JSON object.
func (h *Headers) ToMap() map[string]string {
	out := make(map[string]string, len(h.entries))
	for _, e := range h.entries {
		out[e.name] = e.value
	}
	return out
}

// MarshalJSON renders Headers as a JSON object, matching the on-disk
// capture format (spec.md §6).
func (h *Headers) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.ToMap())
}

// UnmarshalJSON decodes a JSON object into Headers. Go's encoding/json
// decodes objects into a map, so original insertion order is not
// recoverable from disk; entries are stored in whatever order
// encoding/json's map iteration yields, which is consistent with the
// capture record invariant that order is best-effort across
// serialisation boundaries (SPEC_FULL.md §3).
func (h *Headers) UnmarshalJSON(data []byte) error {
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	h.entries = h.entries[:0]
	for k, v := range m {
		h.entries = append(h.entries, headerEntry{name: k, value: v})
	}
	return nil
}
