// Package capturestore implements the append-only, optionally per-line
// encrypted JSONL capture file: CaptureRecord, the Writer/Reader pair, and
// the Select helper (spec.md §3, §4.C).
package capturestore

import (
	"net/url"
	"strings"
	"time"

	"github.com/cookiemonster/cookiemonster/internal/headerpolicy"
)

// standardMethods is the set of HTTP verbs a CaptureRecord may carry
// (spec.md §3 invariant: "method is one of the standard HTTP verbs; other
// values are dropped").
var standardMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true,
	"HEAD": true, "OPTIONS": true, "CONNECT": true, "TRACE": true,
}

// IsStandardMethod reports whether method, compared case-insensitively, is
// one of the standard HTTP verbs.
func IsStandardMethod(method string) bool {
	return standardMethods[strings.ToUpper(method)]
}

// CaptureRecord is one observed browser request (spec.md §3).
type CaptureRecord struct {
	RequestID     string             `json:"request_id"`
	Method        string             `json:"method"`
	URL           string             `json:"url"`
	Host          string             `json:"host"`
	ResourceType  string             `json:"resource_type"`
	Headers       *headerpolicy.Headers `json:"headers"`
	PostData      *string            `json:"post_data"`
	CapturedAt    time.Time          `json:"captured_at"`
	InitiatorHost *string            `json:"initiator_host"`
}

// NewCaptureRecord validates and constructs a CaptureRecord from raw
// browser-observed fields. It returns ok=false (rather than an error) when
// the record should be silently dropped at the pipeline edge per spec.md
// §3: unparseable URLs and non-standard methods are discarded, not
// surfaced as errors.
func NewCaptureRecord(requestID, method, rawURL, resourceType string, headers *headerpolicy.Headers, postData *string, capturedAt time.Time, initiatorHost *string) (CaptureRecord, bool) {
	method = strings.ToUpper(method)
	if !IsStandardMethod(method) {
		return CaptureRecord{}, false
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || !parsed.IsAbs() {
		return CaptureRecord{}, false
	}
	if headers == nil {
		headers = headerpolicy.NewHeaders()
	}
	return CaptureRecord{
		RequestID:     requestID,
		Method:        method,
		URL:           rawURL,
		Host:          parsed.Hostname(),
		ResourceType:  resourceType,
		Headers:       headers,
		PostData:      postData,
		CapturedAt:    capturedAt,
		InitiatorHost: initiatorHost,
	}, true
}
