// Transport construction for the replay engine, adapted from the
// teacher's client/tls_dialer.go and client/h2_transport.go: when a
// tls_fingerprint is configured, a replayed request dials through a uTLS
// ClientHelloID so its TLS fingerprint matches a real browser, because the capture it replays was itself
// observed from a real browser — negotiating TLS with Go's bare
// crypto/tls stack here would present a detectably different
// ClientHello than the session the capture came from.
package replay

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/http2"

	utls "github.com/refraction-networking/utls"
)

// Chrome 120 HTTP/2 SETTINGS values, carried over from the teacher's
// h2_transport.go, that make the replayed connection's SETTINGS frame
// match a real Chrome 120 client alongside its TLS ClientHello.
//
// The teacher's h2_transport.go also pins INITIAL_WINDOW_SIZE and the
// connection-level window; golang.org/x/net/http2.Transport has no
// client-side field for either (window sizing is internal to the
// package), so those two SETTINGS are not reproducible here and are
// intentionally not carried over.
const (
	chrome120H2HeaderTableSize   uint32 = 65536
	chrome120H2MaxHeaderListSize uint32 = 262144
)

// DefaultHelloID is used when a ReplayConfig names a tls_fingerprint
// that helloIDFor does not recognize. An empty tls_fingerprint selects
// plain crypto/tls instead (see newTransport).
var DefaultHelloID = utls.HelloChrome_120

// utlsDialer returns a DialTLSContext-compatible function performing the
// TLS handshake via uTLS, impersonating helloID.
func utlsDialer(helloID utls.ClientHelloID) func(ctx context.Context, network, addr string, tlsCfg *tls.Config) (net.Conn, error) {
	return func(ctx context.Context, network, addr string, tlsCfg *tls.Config) (net.Conn, error) {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("replay: parse addr %q: %w", addr, err)
		}
		sni := host
		if tlsCfg != nil && tlsCfg.ServerName != "" {
			sni = tlsCfg.ServerName
		}

		var d net.Dialer
		rawConn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, fmt.Errorf("replay: dial %s: %w", addr, err)
		}

		uCfg := &utls.Config{
			ServerName:         sni,
			InsecureSkipVerify: tlsCfg != nil && tlsCfg.InsecureSkipVerify, // #nosec G402 -- caller-controlled
		}
		uConn := utls.UClient(rawConn, uCfg, helloID)

		spec := buildClientHelloSpec(helloID)
		if err := uConn.ApplyPreset(&spec); err != nil {
			_ = rawConn.Close()
			return nil, fmt.Errorf("replay: apply ClientHello preset for %s: %w", helloID.Str(), err)
		}
		if err := uConn.HandshakeContext(ctx); err != nil {
			_ = uConn.Close()
			return nil, fmt.Errorf("replay: TLS handshake with %s: %w", addr, err)
		}
		return uConn, nil
	}
}

func buildClientHelloSpec(helloID utls.ClientHelloID) utls.ClientHelloSpec {
	switch helloID {
	case utls.HelloChrome_120, utls.HelloChrome_120_PQ, utls.HelloChrome_131, utls.HelloChrome_Auto:
		if spec, err := utls.UTLSIdToSpec(helloID); err == nil {
			return spec
		}
	}
	return utls.ClientHelloSpec{}
}

// TransportConfig configures the outbound RoundTripper used to replay a
// captured request. An empty Fingerprint selects plain crypto/tls
// (spec.md §4.G: "tls_fingerprint ... empty = plain crypto/tls"); a
// non-empty one drives the uTLS ClientHelloID fingerprint below.
type TransportConfig struct {
	Fingerprint     string // "chrome-120" | "chrome-131" | "auto" | ""
	IdleConnTimeout time.Duration
	ReadIdleTimeout time.Duration
	// Proxy is an optional upstream proxy URL (e.g. "http://host:port"),
	// adapted from the teacher's client.go NewHTTPClient. Empty means
	// dial the replay target directly.
	Proxy string
}

// proxyFunc resolves cfg.Proxy into an http.Transport-compatible
// proxy selector, or nil for a direct dial.
func proxyFunc(cfg TransportConfig) (func(*http.Request) (*url.URL, error), error) {
	if cfg.Proxy == "" {
		return nil, nil
	}
	proxyURL, err := url.Parse(cfg.Proxy)
	if err != nil {
		return nil, fmt.Errorf("replay: parse proxy URL %q: %w", cfg.Proxy, err)
	}
	return http.ProxyURL(proxyURL), nil
}

// helloIDFor resolves a ReplayConfig.tls_fingerprint string to a uTLS
// ClientHelloID. An unrecognized non-empty value still falls back to
// DefaultHelloID rather than failing the replay outright.
func helloIDFor(fingerprint string) utls.ClientHelloID {
	switch fingerprint {
	case "chrome-120":
		return utls.HelloChrome_120
	case "chrome-131":
		return utls.HelloChrome_131
	case "auto":
		return utls.HelloChrome_Auto
	default:
		return DefaultHelloID
	}
}

// newTransport builds the http.RoundTripper used to issue the replayed
// request. With no fingerprint configured it is an ordinary
// http.Transport (negotiating HTTP/2 the standard way via ALPN over
// crypto/tls, same as any Go HTTP client); with one configured it is a
// uTLS-dialing http2.Transport shaped to match Chrome 120's SETTINGS
// frame, so the replayed connection's TLS and HTTP/2 fingerprints both
// match the browser the capture came from.
func newTransport(cfg TransportConfig) (http.RoundTripper, error) {
	proxy, err := proxyFunc(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Fingerprint == "" {
		return &http.Transport{
			ForceAttemptHTTP2: true,
			IdleConnTimeout:   idleConnTimeoutOrDefault(cfg.IdleConnTimeout),
			Proxy:             proxy,
		}, nil
	}

	helloID := helloIDFor(cfg.Fingerprint)
	dial := utlsDialer(helloID)
	return &http2.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string, tlsCfg *tls.Config) (net.Conn, error) {
			return dial(ctx, network, addr, tlsCfg)
		},
		MaxDecoderHeaderTableSize: chrome120H2HeaderTableSize,
		MaxEncoderHeaderTableSize: chrome120H2HeaderTableSize,
		MaxHeaderListSize:         chrome120H2MaxHeaderListSize,
		DisableCompression:        false,
		IdleConnTimeout:           idleConnTimeoutOrDefault(cfg.IdleConnTimeout),
		ReadIdleTimeout:           cfg.ReadIdleTimeout,
	}, nil
}

func idleConnTimeoutOrDefault(d time.Duration) time.Duration {
	if d == 0 {
		return 90 * time.Second
	}
	return d
}
