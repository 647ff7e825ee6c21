// Package capture drives the capture pipeline (spec.md §4.F): it resolves
// a debug target, subscribes to CDP network events, filters and retains
// headers, optionally attaches request bodies, and appends accepted
// records to a capture store.
//
// The bounded-queue-to-worker-pool dispatch is grounded on the teacher's
// scheduler/scheduler.go + worker/pool.go pair: the scheduler's
// "non-blocking dispatcher submits to a bounded worker pool" shape is
// generalized here from "submit one job per session per tick" to "submit
// one record-processing job per CDP network event", with the addition of
// drop-oldest-on-overflow (spec.md §5) since the teacher's Submit blocks
// under backpressure instead of shedding load — CDP's reader goroutine
// must never block on a full queue, so this package sheds instead.
//
// Per-event processing (filtering, then an optional variable-latency
// Network.getRequestPostData round trip) runs concurrently across
// workerpool.Pool's workers, but the store append is single-threaded and
// consumes results through Pool.Results(), which replays them in
// submission order — spec.md §5 requires records to land in the store in
// observation order, and capturestore.Select's "last match wins" rule
// (store.go) depends on that order being exact, not just eventual.
package capture

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cookiemonster/cookiemonster/internal/capturestore"
	"github.com/cookiemonster/cookiemonster/internal/cdp"
	"github.com/cookiemonster/cookiemonster/internal/cryptostore"
	"github.com/cookiemonster/cookiemonster/internal/discovery"
	"github.com/cookiemonster/cookiemonster/internal/errs"
	"github.com/cookiemonster/cookiemonster/internal/headerpolicy"
	"github.com/cookiemonster/cookiemonster/internal/logging"
	"github.com/cookiemonster/cookiemonster/internal/workerpool"
)

// queueCapacity bounds the in-flight event queue between the CDP reader
// goroutine and the worker pool (spec.md §5).
const queueCapacity = 1024

// Config describes one capture run (spec.md §4.F).
type Config struct {
	Host                string
	Port                int
	TargetHint          string
	DurationSeconds     int
	MaxRecords          int
	IncludeAllHeaders   bool
	CapturePostData     bool
	MethodFilter        []string
	HostFilter          []string
	ResourceTypeFilter  []string
	OutputFile          string
	EncryptionKeySource cryptostore.KeySource

	ConnectTimeout   time.Duration
	CallTimeout      time.Duration
	DiscoveryRetries int
	Workers          int

	// Adapter, when non-nil, rewrites headers after retention filtering
	// and before the record is appended to the store (SPEC_FULL.md §4.L).
	Adapter Adapter
}

// Adapter rewrites a candidate record's headers in place before it is
// persisted.
type Adapter interface {
	RewriteHeaders(record *capturestore.CaptureRecord) error
}

// Summary reports the outcome of a capture run (spec.md §4.F step 7).
type Summary struct {
	Count           int
	BytesWritten    int64
	DroppedByFilter int
	PostDataMisses  int
	ElapsedMs       int64
	OutputPath      string
}

// networkRequestWillBeSent mirrors the subset of the CDP
// Network.requestWillBeSent event payload this pipeline consumes.
type networkRequestWillBeSent struct {
	RequestID string `json:"requestId"`
	Request   struct {
		URL     string            `json:"url"`
		Method  string            `json:"method"`
		Headers map[string]string `json:"headers"`
	} `json:"request"`
	Type      string `json:"type"`
	Initiator *struct {
		URL string `json:"url"`
	} `json:"initiator"`
	WallTime float64 `json:"wallTime"`
}

// Run executes one capture per spec.md §4.F and returns its summary.
func Run(ctx context.Context, cfg Config, log *logging.Logger) (Summary, error) {
	start := time.Now()

	key, err := resolveKey(cfg.EncryptionKeySource)
	if err != nil {
		return Summary{}, err
	}

	wsURL, err := discovery.Discover(ctx, discovery.Options{
		Host: cfg.Host, Port: cfg.Port, TargetHint: cfg.TargetHint,
		Timeout: cfg.ConnectTimeout, Retries: cfg.DiscoveryRetries,
	})
	if err != nil {
		return Summary{}, err
	}

	transport, err := cdp.Connect(ctx, wsURL, cfg.ConnectTimeout)
	if err != nil {
		return Summary{}, err
	}
	defer transport.Close()

	writer, err := capturestore.OpenAppend(cfg.OutputFile, key)
	if err != nil {
		return Summary{}, err
	}
	defer writer.Close()

	p := &pipeline{
		cfg:       cfg,
		transport: transport,
		writer:    writer,
		log:       log,
		queue:     make(chan networkRequestWillBeSent, queueCapacity),
	}
	// Subscribe before enabling the Network domain, so events the browser
	// sends right after acknowledging Network.enable are not dispatched
	// with no subscriber.
	transport.Subscribe("Network.requestWillBeSent", p.onEvent)

	if _, err := transport.Call(ctx, "Network.enable", struct{}{}, cfg.CallTimeout); err != nil {
		return Summary{}, err
	}
	return p.run(ctx, start)
}

type pipeline struct {
	cfg       Config
	transport *cdp.Transport
	writer    *capturestore.Writer
	log       *logging.Logger

	queue chan networkRequestWillBeSent

	count           atomic.Int64
	bytesWritten    atomic.Int64
	droppedByFilter atomic.Int64
	postDataMisses  atomic.Int64
	queueDrops      atomic.Int64
}

func (p *pipeline) run(ctx context.Context, start time.Time) (Summary, error) {
	pool := workerpool.New(maxInt(p.cfg.Workers, 4))

	appendsDone := make(chan struct{})
	go func() {
		defer close(appendsDone)
		for result := range pool.Results() {
			record, ok := result.(*capturestore.CaptureRecord)
			if !ok || record == nil {
				continue
			}
			p.appendRecord(*record)
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if p.cfg.DurationSeconds > 0 {
		timer := time.AfterFunc(time.Duration(p.cfg.DurationSeconds)*time.Second, cancel)
		defer timer.Stop()
	}

consume:
	for {
		select {
		case evt := <-p.queue:
			pool.Submit(func() any { return p.process(evt) })
			if p.cfg.MaxRecords > 0 && int(p.count.Load()) >= p.cfg.MaxRecords {
				break consume
			}
		case <-runCtx.Done():
			break consume
		}
	}

	pool.Stop()
	<-appendsDone

	return Summary{
		Count:           int(p.count.Load()),
		BytesWritten:    p.bytesWritten.Load(),
		DroppedByFilter: int(p.droppedByFilter.Load()),
		PostDataMisses:  int(p.postDataMisses.Load()),
		ElapsedMs:       time.Since(start).Milliseconds(),
		OutputPath:      p.cfg.OutputFile,
	}, nil
}

// onEvent runs on the CDP transport's background reader goroutine and
// must never block: it sheds the oldest queued event rather than stall
// the reader (spec.md §5).
func (p *pipeline) onEvent(params json.RawMessage) {
	var evt networkRequestWillBeSent
	if err := json.Unmarshal(params, &evt); err != nil {
		return
	}
	select {
	case p.queue <- evt:
		return
	default:
	}
	select {
	case <-p.queue:
	default:
	}
	select {
	case p.queue <- evt:
	default:
		p.queueDrops.Add(1)
	}
}

// process filters and enriches one CDP event, returning the resulting
// record or nil if it was dropped. It runs on a worker goroutine and
// does not touch the store directly: its return value is delivered to
// the single ordered appender via the worker pool's Results() channel
// (spec.md §5 observation-order guarantee).
func (p *pipeline) process(evt networkRequestWillBeSent) *capturestore.CaptureRecord {
	if len(p.cfg.HostFilter) > 0 && !hostMatchesAny(evt.Request.URL, p.cfg.HostFilter) {
		p.droppedByFilter.Add(1)
		return nil
	}
	if len(p.cfg.MethodFilter) > 0 && !containsFold(p.cfg.MethodFilter, evt.Request.Method) {
		p.droppedByFilter.Add(1)
		return nil
	}
	if len(p.cfg.ResourceTypeFilter) > 0 && !containsFold(p.cfg.ResourceTypeFilter, evt.Type) {
		p.droppedByFilter.Add(1)
		return nil
	}

	headers := retainHeaders(evt.Request.Headers, p.cfg.IncludeAllHeaders)

	var initiatorHost *string
	if evt.Initiator != nil && evt.Initiator.URL != "" {
		if u, err := url.Parse(evt.Initiator.URL); err == nil && u.Hostname() != "" {
			h := u.Hostname()
			initiatorHost = &h
		}
	}

	record, ok := capturestore.NewCaptureRecord(evt.RequestID, evt.Request.Method, evt.Request.URL, evt.Type, headers, nil, time.Now(), initiatorHost)
	if !ok {
		p.droppedByFilter.Add(1)
		return nil
	}

	if p.cfg.CapturePostData {
		if body, err := p.fetchPostData(evt.RequestID); err == nil {
			record.PostData = &body
		} else {
			p.postDataMisses.Add(1)
		}
	}

	if p.cfg.Adapter != nil {
		if err := p.cfg.Adapter.RewriteHeaders(&record); err != nil {
			p.log.Errorf("capture: adapter rewrite failed for %s: %v", record.RequestID, err)
		}
	}

	return &record
}

func (p *pipeline) fetchPostData(requestID string) (string, error) {
	result, err := p.transport.Call(context.Background(), "Network.getRequestPostData", map[string]string{"requestId": requestID}, p.cfg.CallTimeout)
	if err != nil {
		return "", err
	}
	var payload struct {
		PostData string `json:"postData"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return "", errs.Wrap(errs.Transient, err, "capture: decode post data for %s", requestID)
	}
	return payload.PostData, nil
}

// appendRecord is only ever called from the single ordered appender
// goroutine in run, so it needs no locking of its own.
func (p *pipeline) appendRecord(record capturestore.CaptureRecord) {
	if err := p.writer.Append(record); err != nil {
		p.log.Errorf("capture: append record %s: %v", record.RequestID, err)
		return
	}
	p.count.Add(1)
	if marshaled, err := json.Marshal(record); err == nil {
		p.bytesWritten.Add(int64(len(marshaled)))
	}
}

func retainHeaders(raw map[string]string, includeAll bool) *headerpolicy.Headers {
	h := headerpolicy.NewHeaders()
	for name, value := range raw {
		if includeAll || headerpolicy.IsAuthOrSensitive(name) {
			h.Set(name, value)
		}
	}
	return h
}

func resolveKey(source cryptostore.KeySource) ([]byte, error) {
	if source.Empty() {
		return nil, nil
	}
	return cryptostore.Resolve(source)
}

// hostMatchesAny reports whether rawURL's host contains any of hosts as
// a substring (spec.md §4.F: matching is against the URL's host, not the
// full URL, so a filter token cannot spuriously match a path or query).
func hostMatchesAny(rawURL string, hosts []string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	for _, h := range hosts {
		if strings.Contains(host, h) {
			return true
		}
	}
	return false
}

func containsFold(set []string, value string) bool {
	for _, s := range set {
		if strings.EqualFold(s, value) {
			return true
		}
	}
	return false
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
