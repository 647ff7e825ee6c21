// Package controlplane implements the local JSON HTTP API fronting the
// capture pipeline and replay engine (spec.md §4.H): loopback-only
// binding unless explicitly overridden, optional per-request token auth,
// a request body size cap, and response redaction of auth-classified
// header values.
//
// Server's shape — a mux plus a small set of atomic/mutex-guarded
// fields — is adapted from dashboard/server.go's Server: that struct
// fronted SSE/config endpoints for a browser dashboard; this one fronts
// capture/replay RPC endpoints for a local CLI or script, so there is no
// CORS layer and no long-lived streaming connection, but the
// "mux + New + registerRoutes" shape carries over directly.
package controlplane

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/cookiemonster/cookiemonster/internal/adapter"
	"github.com/cookiemonster/cookiemonster/internal/capture"
	"github.com/cookiemonster/cookiemonster/internal/capturestore"
	"github.com/cookiemonster/cookiemonster/internal/cryptostore"
	"github.com/cookiemonster/cookiemonster/internal/errs"
	"github.com/cookiemonster/cookiemonster/internal/headerpolicy"
	"github.com/cookiemonster/cookiemonster/internal/keyedlock"
	"github.com/cookiemonster/cookiemonster/internal/logging"
	"github.com/cookiemonster/cookiemonster/internal/metrics"
	"github.com/cookiemonster/cookiemonster/internal/replay"
)

// maxRequestBodyBytes is spec.md §4.H's "request body size cap: 1 MiB".
const maxRequestBodyBytes = 1 << 20

// Version is reported by GET /health. Overridable at build time via
// -ldflags, same convention the teacher's cmd/main.go uses for its own
// build version string.
var Version = "dev"

// Server is the control-plane HTTP API (spec.md §4.H).
type Server struct {
	cfg       Config
	log       *logging.Logger
	mux       *http.ServeMux
	adapters  *adapter.Registry
	perKey    *keyedlock.Map
	started   time.Time
	policy    replay.Policy
	sessionHC SessionHealthChecker
	differ    Differ
	browser   BrowserSession
	metrics   *metrics.Metrics
}

// Config collects the operator-facing knobs New needs beyond the
// collaborators (spec.md §4.J's engine-wide Config supplies these in
// practice).
type Config struct {
	BindAddr    string
	AllowRemote bool
	APIToken    string
	Policy      replay.Policy
}

// Option customizes a Server at construction.
type Option func(*Server)

// WithSessionHealthChecker injects the /session-health collaborator.
func WithSessionHealthChecker(c SessionHealthChecker) Option {
	return func(s *Server) { s.sessionHC = c }
}

// WithDiffer injects the /diff collaborator.
func WithDiffer(d Differ) Option {
	return func(s *Server) { s.differ = d }
}

// WithBrowserSession injects the /ui/cache-auth collaborator.
func WithBrowserSession(b BrowserSession) Option {
	return func(s *Server) { s.browser = b }
}

// New constructs a Server. It does not bind a socket; call
// ListenAndServe to do that (and to enforce the loopback-binding
// discipline).
func New(cfg Config, log *logging.Logger, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		log:      log,
		mux:      http.NewServeMux(),
		adapters: adapter.NewRegistry(),
		perKey:   keyedlock.New(),
		started:  time.Now(),
		policy:   cfg.Policy,
		metrics:  metrics.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	return s
}

// RegisterAdapter exposes the Server's adapter registry so an operator
// can wire named script adapters before serving traffic.
func (s *Server) RegisterAdapter(name string, a adapter.Adapter) {
	s.adapters.Register(name, a)
}

// Handler returns the Server's http.Handler, wrapped in the logging and
// auth middleware. Exposed for tests (httptest.NewServer) and for
// embedding behind a reverse proxy.
func (s *Server) Handler() http.Handler {
	return s.withLogging(s.withAuth(s.mux))
}

// ListenAndServe binds cfg.BindAddr and serves until the listener fails
// or the process exits. It refuses to bind a non-loopback address unless
// cfg.AllowRemote is set (spec.md §4.H).
func (s *Server) ListenAndServe() error {
	if err := s.checkBindAddr(); err != nil {
		return err
	}
	srv := &http.Server{
		Addr:         s.cfg.BindAddr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.log.Infof("controlplane: listening on %s", s.cfg.BindAddr)
	return srv.ListenAndServe()
}

func (s *Server) checkBindAddr() error {
	if s.cfg.AllowRemote {
		return nil
	}
	host, _, err := net.SplitHostPort(s.cfg.BindAddr)
	if err != nil {
		host = s.cfg.BindAddr
	}
	if host == "" || host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip != nil && ip.IsLoopback() {
		return nil
	}
	return errs.New(errs.NonLoopbackBindRefused, "controlplane: refusing to bind non-loopback address %q without allow_remote", s.cfg.BindAddr)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /capture", s.handleCapture)
	s.mux.HandleFunc("POST /replay", s.handleReplay)
	s.mux.HandleFunc("POST /session-health", s.handleSessionHealth)
	s.mux.HandleFunc("POST /diff", s.handleDiff)
	s.mux.HandleFunc("POST /ui/cache-auth", s.handleCacheAuth)
	s.mux.HandleFunc("POST /ui/check-auth", s.handleCheckAuth)
	s.mux.HandleFunc("POST /ui/inspect", s.handleInspect)
}

// ─── middleware ──────────────────────────────────────────────────────────

func (s *Server) withLogging(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(rec, r)
		s.log.Infow("request handled", "method", r.Method, "path", r.URL.Path,
			"status", rec.status, "latency_ms", time.Since(start).Milliseconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// withAuth enforces spec.md §4.H's token check on every mutating
// (POST) endpoint when cfg.APIToken is configured. GET /health is never
// gated.
func (s *Server) withAuth(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIToken == "" || r.Method != http.MethodPost {
			h.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get("X-CM-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.APIToken)) != 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// ─── request/response plumbing ──────────────────────────────────────────

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		if isMaxBytesError(err) {
			s.writeError(w, errs.New(errs.RequestBodyTooLarge, "controlplane: request body exceeds %d bytes", maxRequestBodyBytes))
			return false
		}
		s.writeError(w, errs.Wrap(errs.ConfigInvalid, err, "controlplane: read request body"))
		return false
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, errs.Wrap(errs.ConfigInvalid, err, "controlplane: decode request body"))
		return false
	}
	return true
}

// isMaxBytesError reports whether err came from http.MaxBytesReader's
// cap being exceeded. Go 1.19+ exposes http.MaxBytesError for this;
// errors.As avoids matching on the reader's message text.
func isMaxBytesError(err error) bool {
	var tooLarge *http.MaxBytesError
	return errors.As(err, &tooLarge)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Errorf("controlplane: encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusForKind(errs.KindOf(err)), errorResponseFrom(err))
}

// statusForKind maps an error Kind to the closed set of HTTP status
// codes spec.md §6 names for the control plane: 400 validation, 401
// auth, 403 policy denial, 404 unknown capture, 413 body too large,
// 499 cancelled, 500 unexpected. The 501 returned by /session-health,
// /diff and /ui/cache-auth without a collaborator (spec.md §4.H) is the
// one addition beyond that set.
func statusForKind(k errs.Kind) int {
	switch k {
	case errs.ConfigInvalid, errs.EncryptedStoreRequiresKey:
		return http.StatusBadRequest
	case errs.Unauthorized:
		return http.StatusUnauthorized
	case errs.PolicyDenied, errs.DomainNotAllowed, errs.CaptureHostMismatch:
		return http.StatusForbidden
	case errs.NoMatchingCapture:
		return http.StatusNotFound
	case errs.RequestBodyTooLarge:
		return http.StatusRequestEntityTooLarge
	case errs.Cancelled:
		return 499
	case errs.NotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// adapterResolver adapts the Server's adapter.Registry to the
// capture.Adapter interface expected by capture.Config, falling back to
// nil (no rewrite) for an unnamed or unresolved adapter.
type adapterResolver struct {
	registry *adapter.Registry
}

func (a *adapterResolver) resolve(name string) capture.Adapter {
	got, ok := a.registry.Get(name)
	if !ok {
		return nil
	}
	return got
}

// ─── GET /health ─────────────────────────────────────────────────────────

type healthResponse struct {
	Status        string           `json:"status"`
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Goroutines    int              `json:"goroutines"`
	Metrics       metrics.Snapshot `json:"metrics"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		Version:       Version,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
		Metrics:       s.metrics.Snapshot(),
	})
}

// ─── POST /capture ───────────────────────────────────────────────────────

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	var req captureRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	cfg := req.toInternal(&adapterResolver{registry: s.adapters})

	lockKey := "capture:" + cfg.OutputFile
	if err := s.perKey.Lock(r.Context(), lockKey); err != nil {
		s.writeError(w, errs.Wrap(errs.Cancelled, err, "controlplane: acquire capture lock"))
		return
	}
	defer s.perKey.Unlock(lockKey)

	summary, err := capture.Run(r.Context(), cfg, s.log)
	s.metrics.RecordCapture(summary.BytesWritten, err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, captureResponseFrom(summary))
}

// ─── POST /replay ────────────────────────────────────────────────────────

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	cfg, err := req.toInternal()
	if err != nil {
		s.writeError(w, err)
		return
	}

	lockKey := "replay:" + cfg.CaptureFile
	if err := s.perKey.Lock(r.Context(), lockKey); err != nil {
		s.writeError(w, errs.Wrap(errs.Cancelled, err, "controlplane: acquire replay lock"))
		return
	}
	defer s.perKey.Unlock(lockKey)

	result, err := replay.Run(r.Context(), cfg, s.policy)
	s.metrics.RecordReplay(len(result.ResponseBodyBytes), err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, replayResponseFrom(result))
}

// ─── POST /session-health, POST /diff, POST /ui/cache-auth ─────────────
// These delegate to external collaborators out of scope for this module
// (spec.md §1); absent an injected collaborator they 501.

func (s *Server) handleSessionHealth(w http.ResponseWriter, r *http.Request) {
	if s.sessionHC == nil {
		s.writeNotImplemented(w, "session_health")
		return
	}
	var req struct {
		CaptureFile string `json:"capture_file"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	healthy, detail, err := s.sessionHC.CheckSessionHealth(r.Context(), req.CaptureFile)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		Healthy bool   `json:"healthy"`
		Detail  string `json:"detail"`
	}{healthy, detail})
}

func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	if s.differ == nil {
		s.writeNotImplemented(w, "diffing")
		return
	}
	var req struct {
		Left  string `json:"left"`
		Right string `json:"right"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	diff, err := s.differ.Diff(r.Context(), req.Left, req.Right)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		Diff string `json:"diff"`
	}{diff})
}

func (s *Server) handleCacheAuth(w http.ResponseWriter, r *http.Request) {
	if s.browser == nil {
		s.writeNotImplemented(w, "browser_session")
		return
	}
	var req struct {
		TargetHint string        `json:"target_hint"`
		Capture    captureRequest `json:"capture"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	host, port, err := s.browser.LaunchOrAttach(r.Context(), req.TargetHint)
	if err != nil {
		s.writeError(w, err)
		return
	}
	cfg := req.Capture.toInternal(&adapterResolver{registry: s.adapters})
	cfg.Host, cfg.Port = host, port

	summary, err := capture.Run(r.Context(), cfg, s.log)
	s.metrics.RecordCapture(summary.BytesWritten, err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, captureResponseFrom(summary))
}

func (s *Server) writeNotImplemented(w http.ResponseWriter, collaborator string) {
	s.writeError(w, errs.New(errs.NotImplemented, "controlplane: %s collaborator not configured", collaborator))
}

// ─── POST /ui/check-auth ─────────────────────────────────────────────────

type checkAuthRequest struct {
	CaptureFile         string        `json:"capture_file"`
	EncryptionKeySource keySourceWire `json:"encryption_key_source"`
}

type checkAuthResult struct {
	RequestID string `json:"request_id"`
	URL       string `json:"url"`
	Method    string `json:"method"`
	HasAuth   bool   `json:"has_auth"`
}

// handleCheckAuth loads every record in a capture file and reports, per
// request, whether any of its headers are classified as auth (spec.md
// §4.H: "/ui/check-auth ... returns presence-of-auth per URL"). Response
// redaction does not apply here since no header values are returned,
// only a boolean.
func (s *Server) handleCheckAuth(w http.ResponseWriter, r *http.Request) {
	var req checkAuthRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	records, err := loadCaptureRecords(req.CaptureFile, req.EncryptionKeySource.toInternal())
	if err != nil {
		s.writeError(w, err)
		return
	}
	results := make([]checkAuthResult, 0, len(records))
	for _, rec := range records {
		hasAuth := false
		for _, name := range rec.Headers.Names() {
			if headerpolicy.Classify(name) == headerpolicy.Auth {
				hasAuth = true
				break
			}
		}
		results = append(results, checkAuthResult{
			RequestID: rec.RequestID,
			URL:       rec.URL,
			Method:    rec.Method,
			HasAuth:   hasAuth,
		})
	}
	s.writeJSON(w, http.StatusOK, struct {
		Results []checkAuthResult `json:"results"`
	}{results})
}

// ─── POST /ui/inspect ────────────────────────────────────────────────────

type inspectRequest struct {
	CaptureFile         string        `json:"capture_file"`
	EncryptionKeySource keySourceWire `json:"encryption_key_source"`
}

type inspectRecord struct {
	RequestID string            `json:"request_id"`
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers"`
}

// handleInspect loads every record in a capture file and returns it with
// auth-classified header values redacted (spec.md §4.H: "for capture /
// ui/check-auth / ui/inspect responses, header values classified as auth
// are replaced using (A)").
func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	var req inspectRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	records, err := loadCaptureRecords(req.CaptureFile, req.EncryptionKeySource.toInternal())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]inspectRecord, 0, len(records))
	for _, rec := range records {
		headers := make(map[string]string, rec.Headers.Len())
		for _, name := range rec.Headers.Names() {
			value, _ := rec.Headers.Get(name)
			if headerpolicy.Classify(name) == headerpolicy.Auth {
				value = headerpolicy.Redact(name, value)
			}
			headers[name] = value
		}
		out = append(out, inspectRecord{
			RequestID: rec.RequestID,
			Method:    rec.Method,
			URL:       rec.URL,
			Headers:   headers,
		})
	}
	s.writeJSON(w, http.StatusOK, struct {
		Records []inspectRecord `json:"records"`
	}{out})
}

func loadCaptureRecords(path string, keySource cryptostore.KeySource) ([]capturestore.CaptureRecord, error) {
	var key []byte
	if !keySource.Empty() {
		var err error
		key, err = cryptostore.Resolve(keySource)
		if err != nil {
			return nil, err
		}
	}
	records, _, err := capturestore.LoadAll(path, key)
	return records, err
}
