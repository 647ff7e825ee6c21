package controlplane

import (
	"net/url"
	"time"

	"github.com/cookiemonster/cookiemonster/internal/capture"
	"github.com/cookiemonster/cookiemonster/internal/capturestore"
	"github.com/cookiemonster/cookiemonster/internal/cryptostore"
	"github.com/cookiemonster/cookiemonster/internal/errs"
	"github.com/cookiemonster/cookiemonster/internal/replay"
)

// keySourceWire is the JSON shape of cryptostore.KeySource; the internal
// type carries no json tags since it is also built directly by Go callers
// of the programmatic facade.
type keySourceWire struct {
	Inline  string `json:"inline,omitempty"`
	EnvVar  string `json:"env_var,omitempty"`
	KeyFile string `json:"key_file,omitempty"`
}

func (w keySourceWire) toInternal() cryptostore.KeySource {
	return cryptostore.KeySource{Inline: w.Inline, EnvVar: w.EnvVar, KeyFile: w.KeyFile}
}

// captureRequest is the JSON body of POST /capture (spec.md §4.F
// CaptureConfig).
type captureRequest struct {
	Host                   string             `json:"host"`
	Port                   int                `json:"port"`
	TargetHint             string             `json:"target_hint"`
	DurationSeconds        int                `json:"duration_seconds"`
	MaxRecords             int                `json:"max_records"`
	IncludeAllHeaders      bool               `json:"include_all_headers"`
	CapturePostData        bool               `json:"capture_post_data"`
	MethodFilter           []string           `json:"method_filter"`
	HostFilter             []string           `json:"host_filter"`
	ResourceTypeFilter     []string           `json:"resource_type_filter"`
	OutputFile             string             `json:"output_file"`
	EncryptionKeySource    keySourceWire       `json:"encryption_key_source"`
	ConnectTimeoutSeconds  float64            `json:"connect_timeout_seconds"`
	CallTimeoutSeconds     float64            `json:"call_timeout_seconds"`
	DiscoveryRetries       int                `json:"discovery_retries"`
	Workers                int                `json:"workers"`
	Adapter                string             `json:"adapter"`
}

func (r captureRequest) toInternal(adapters *adapterResolver) capture.Config {
	return capture.Config{
		Host:                r.Host,
		Port:                r.Port,
		TargetHint:          r.TargetHint,
		DurationSeconds:     r.DurationSeconds,
		MaxRecords:          r.MaxRecords,
		IncludeAllHeaders:   r.IncludeAllHeaders,
		CapturePostData:     r.CapturePostData,
		MethodFilter:        r.MethodFilter,
		HostFilter:          r.HostFilter,
		ResourceTypeFilter:  r.ResourceTypeFilter,
		OutputFile:          r.OutputFile,
		EncryptionKeySource: r.EncryptionKeySource.toInternal(),
		ConnectTimeout:      secondsToDuration(r.ConnectTimeoutSeconds),
		CallTimeout:         secondsToDuration(r.CallTimeoutSeconds),
		DiscoveryRetries:    r.DiscoveryRetries,
		Workers:             r.Workers,
		Adapter:             adapters.resolve(r.Adapter),
	}
}

// captureResponse is the JSON body returned by POST /capture (spec.md
// §4.F CaptureSummary).
type captureResponse struct {
	Count           int    `json:"count"`
	BytesWritten    int64  `json:"bytes_written"`
	DroppedByFilter int    `json:"dropped_by_filter"`
	PostDataMisses  int    `json:"post_data_misses"`
	ElapsedMs       int64  `json:"elapsed_ms"`
	OutputPath      string `json:"output_path"`
}

func captureResponseFrom(s capture.Summary) captureResponse {
	return captureResponse{
		Count:           s.Count,
		BytesWritten:    s.BytesWritten,
		DroppedByFilter: s.DroppedByFilter,
		PostDataMisses:  s.PostDataMisses,
		ElapsedMs:       s.ElapsedMs,
		OutputPath:      s.OutputPath,
	}
}

// selectorWire is the JSON shape of capturestore.Selector.
type selectorWire struct {
	URLSubstring string `json:"url_substring"`
	Method       string `json:"method"`
	ResourceType string `json:"resource_type"`
	Index        *int   `json:"index,omitempty"`
}

func (w selectorWire) toInternal() capturestore.Selector {
	return capturestore.Selector{
		URLSubstring: w.URLSubstring,
		Method:       w.Method,
		ResourceType: w.ResourceType,
		Index:        w.Index,
	}
}

// bodyWire is the JSON shape of replay.Body. kind is one of "none",
// "captured", "inline", "file", "json"; inline is base64-std-encoded raw
// bytes.
type bodyWire struct {
	Kind   string `json:"kind"`
	Inline []byte `json:"inline,omitempty"` // encoding/json base64-decodes []byte automatically
	Path   string `json:"path,omitempty"`
	JSON   any    `json:"json,omitempty"`
}

func (w bodyWire) toInternal() (replay.Body, error) {
	switch w.Kind {
	case "", "none":
		return replay.Body{Kind: replay.BodyNone}, nil
	case "captured":
		return replay.Body{Kind: replay.BodyCaptured}, nil
	case "inline":
		return replay.Body{Kind: replay.BodyInline, Inline: w.Inline}, nil
	case "file":
		return replay.Body{Kind: replay.BodyFile, Path: w.Path}, nil
	case "json":
		return replay.Body{Kind: replay.BodyJSON, JSON: w.JSON}, nil
	default:
		return replay.Body{}, errs.New(errs.ConfigInvalid, "controlplane: unknown body kind %q", w.Kind)
	}
}

// retryWire is the JSON shape of replay.RetryConfig.
type retryWire struct {
	Attempts       int     `json:"attempts"`
	BackoffSeconds float64 `json:"backoff_seconds"`
	Jitter         bool    `json:"jitter"`
}

func (w retryWire) toInternal() replay.RetryConfig {
	return replay.RetryConfig{Attempts: w.Attempts, BackoffSeconds: w.BackoffSeconds, Jitter: w.Jitter}
}

// replayRequest is the JSON body of POST /replay (spec.md §3 ReplayConfig).
type replayRequest struct {
	CaptureFile         string            `json:"capture_file"`
	Selector            selectorWire      `json:"selector"`
	RequestURL          string            `json:"request_url"`
	Method              string            `json:"method"`
	Body                bodyWire          `json:"body"`
	ExtraHeaders        map[string]string `json:"extra_headers"`
	Retry               retryWire         `json:"retry"`
	TimeoutSeconds      float64           `json:"timeout_seconds"`
	EncryptionKeySource keySourceWire     `json:"encryption_key_source"`
	EnforceCaptureHost  bool              `json:"enforce_capture_host"`
	MaxRedirects        int               `json:"max_redirects"`
	TLSFingerprint      string            `json:"tls_fingerprint"`
	Proxy               string            `json:"proxy"`
}

func (r replayRequest) toInternal() (replay.Config, error) {
	body, err := r.Body.toInternal()
	if err != nil {
		return replay.Config{}, err
	}
	if err := validateAbsoluteHTTPURL(r.RequestURL); err != nil {
		return replay.Config{}, err
	}
	return replay.Config{
		CaptureFile:         r.CaptureFile,
		Selector:            r.Selector.toInternal(),
		RequestURL:          r.RequestURL,
		Method:              r.Method,
		Body:                body,
		ExtraHeaders:        r.ExtraHeaders,
		Retry:               r.Retry.toInternal(),
		TimeoutSeconds:      r.TimeoutSeconds,
		EncryptionKeySource: r.EncryptionKeySource.toInternal(),
		EnforceCaptureHost:  r.EnforceCaptureHost,
		MaxRedirects:        r.MaxRedirects,
		Transport:           replay.TransportConfig{Fingerprint: r.TLSFingerprint, Proxy: r.Proxy},
	}, nil
}

// replayResponse is the JSON body returned by POST /replay (spec.md §3
// ReplayResult). ResponseBodyBytes is base64-std-encoded by
// encoding/json's []byte handling, per spec.md §4.H ("body as base64").
type replayResponse struct {
	StatusCode               int                 `json:"status_code"`
	ResponseHeaders          map[string][]string `json:"response_headers"`
	ResponseBodyBytes        []byte              `json:"response_body_bytes"`
	ElapsedMs                int64               `json:"elapsed_ms"`
	Attempts                 int                 `json:"attempts"`
	FinalURLAfterRedirects   string              `json:"final_url_after_redirects"`
	SelectedCaptureRequestID string              `json:"selected_capture_request_id"`
}

func replayResponseFrom(res replay.Result) replayResponse {
	return replayResponse{
		StatusCode:               res.StatusCode,
		ResponseHeaders:          map[string][]string(res.ResponseHeaders),
		ResponseBodyBytes:        res.ResponseBodyBytes,
		ElapsedMs:                res.ElapsedMs,
		Attempts:                 res.Attempts,
		FinalURLAfterRedirects:   res.FinalURLAfterRedirects,
		SelectedCaptureRequestID: res.SelectedCaptureRequestID,
	}
}

// errorResponse is the JSON body returned on any non-2xx response (spec.md
// §4.H): {"error":{"kind":...,"message":...}}.
type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func errorResponseFrom(err error) errorResponse {
	kind := errs.KindOf(err)
	if kind == "" {
		kind = errs.ConfigInvalid
	}
	return errorResponse{Error: errorBody{Kind: string(kind), Message: err.Error()}}
}

func secondsToDuration(seconds float64) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

// validateAbsoluteHTTPURL enforces spec.md §4.H's "URL fields in request
// bodies must parse as absolute http or https URLs; otherwise 400".
func validateAbsoluteHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errs.Wrap(errs.ConfigInvalid, err, "controlplane: invalid URL %q", raw)
	}
	if !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return errs.New(errs.ConfigInvalid, "controlplane: URL %q is not an absolute http/https URL", raw)
	}
	return nil
}
