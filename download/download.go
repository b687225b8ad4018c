// Package download centralizes the HTTP I/O Chantal performs against
// upstream repositories: auth, proxy, TLS, retry, and rate-limit rules
// all live here so ecosystem parsers never touch an *http.Client
// directly.
//
// Grounded on the teacher's alpine/fetcher.go (conditional GET via
// If-None-Match, streaming a response into a tmp.File) and
// pkg/ovalutil/fetcher.go (a Fetcher type with a pluggable Compressor and
// a Configure/Fetch lifecycle) — generalized from "one updater's single
// database fetch" to "many repositories' many files, with auth/proxy
// varying per repository."
package download

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"golang.org/x/net/http/httpproxy"
	"golang.org/x/time/rate"

	"github.com/slauger/chantal"
)

// AuthMode selects how a Manager authenticates to a repository's feed.
type AuthMode string

const (
	AuthNone   AuthMode = "none"
	AuthBasic  AuthMode = "basic"
	AuthBearer AuthMode = "bearer"
	AuthHeader AuthMode = "header"
	AuthMTLS   AuthMode = "mtls"
)

// Auth configures authentication for one repository's requests.
type Auth struct {
	Mode AuthMode

	User, Pass    string // AuthBasic
	Token         string // AuthBearer
	HeaderName    string // AuthHeader
	HeaderValue   string // AuthHeader
	ClientCertPEM string // AuthMTLS: path to client cert
	ClientKeyPEM  string // AuthMTLS: path to client key
}

// TLSConfig configures certificate verification for a repository's feed.
type TLSConfig struct {
	CABundlePath string
	// InsecureSkipVerify disables certificate verification. Every Manager
	// method logs at warn level whenever a request is issued with this
	// set, per spec's "reported prominently in logs" requirement.
	InsecureSkipVerify bool
}

// ProxyConfig is one precedence level of proxy configuration (repository
// or global). Enabled=false at the repository level disables proxying
// outright and overrides every lower-precedence source.
type ProxyConfig struct {
	Enabled  bool
	HTTP     string
	HTTPS    string
	NoProxy  string
	Explicit bool // true if this level was configured at all
}

// Config is the per-repository configuration a Manager request needs.
type Config struct {
	Auth        Auth
	TLS         TLSConfig
	Proxy       ProxyConfig
	GlobalProxy ProxyConfig

	MaxAttempts     int           // default 3
	RequestsPerSec  float64       // 0 disables rate limiting
	ConnectTimeout  time.Duration // default 10s
	ResponseTimeout time.Duration // default 30s
}

func (c Config) maxAttempts() int {
	if c.MaxAttempts <= 0 {
		return 3
	}
	return c.MaxAttempts
}

// Manager issues HTTP requests against repository feeds with the auth,
// proxy, TLS, and retry rules centralized per repository.
type Manager struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
}

// New builds a Manager from cfg. Proxy resolution order is repository →
// global → environment (golang.org/x/net/http/httpproxy, the same
// resolver net/http.ProxyFromEnvironment uses) → none, implemented in
// proxyFunc below.
func New(cfg Config) (*Manager, error) {
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.TLS.InsecureSkipVerify} //nolint:gosec // operator opt-in, logged
	if cfg.TLS.CABundlePath != "" {
		pem, err := os.ReadFile(cfg.TLS.CABundlePath)
		if err != nil {
			return nil, chantal.NewError("download.New", chantal.KindConfig, "reading CA bundle", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, chantal.NewError("download.New", chantal.KindConfig, "CA bundle contains no usable certificates", nil)
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.Auth.Mode == AuthMTLS {
		cert, err := tls.LoadX509KeyPair(cfg.Auth.ClientCertPEM, cfg.Auth.ClientKeyPEM)
		if err != nil {
			return nil, chantal.NewError("download.New", chantal.KindAuth, "loading client certificate", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = 10 * time.Second
	}

	transport := &http.Transport{
		TLSClientConfig: tlsCfg,
		Proxy:           proxyFunc(cfg.Proxy, cfg.GlobalProxy),
		DialContext:     (&net.Dialer{Timeout: connectTimeout}).DialContext,
	}

	respTimeout := cfg.ResponseTimeout
	if respTimeout == 0 {
		respTimeout = 30 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), 1)
	}

	return &Manager{
		cfg:     cfg,
		client:  &http.Client{Transport: transport, Timeout: respTimeout},
		limiter: limiter,
	}, nil
}

// proxyFunc implements the repository → global → environment → none
// precedence chain over golang.org/x/net/http/httpproxy.Config.
func proxyFunc(repo, global ProxyConfig) func(*http.Request) (*url.URL, error) {
	pick := func() (httpproxy.Config, bool) {
		if repo.Explicit {
			if !repo.Enabled {
				return httpproxy.Config{}, true // explicitly disabled, no further fallback
			}
			return httpproxy.Config{HTTPProxy: repo.HTTP, HTTPSProxy: repo.HTTPS, NoProxy: repo.NoProxy}, true
		}
		if global.Explicit && global.Enabled {
			return httpproxy.Config{HTTPProxy: global.HTTP, HTTPSProxy: global.HTTPS, NoProxy: global.NoProxy}, true
		}
		return httpproxy.Config{}, false
	}
	return func(req *http.Request) (*url.URL, error) {
		if cfg, explicit := pick(); explicit {
			if cfg.HTTPProxy == "" && cfg.HTTPSProxy == "" {
				return nil, nil
			}
			return cfg.ProxyFunc()(req.URL)
		}
		return httpproxy.FromEnvironment().ProxyFunc()(req.URL)
	}
}

func (m *Manager) applyAuth(req *http.Request) {
	switch m.cfg.Auth.Mode {
	case AuthBasic:
		req.SetBasicAuth(m.cfg.Auth.User, m.cfg.Auth.Pass)
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+m.cfg.Auth.Token)
	case AuthHeader:
		req.Header.Set(m.cfg.Auth.HeaderName, m.cfg.Auth.HeaderValue)
	}
}

// isRetryable reports whether status or err warrants another attempt.
func isRetryable(status int, err error) bool {
	if err != nil {
		return true
	}
	return status >= 500 || status == http.StatusTooManyRequests
}

func backoff(attempt int) time.Duration {
	base := time.Duration(1<<uint(attempt)) * 200 * time.Millisecond
	jitter := time.Duration(rand.Int64N(int64(base / 2)))
	return base + jitter
}

// Get fetches url with the Manager's auth/proxy/TLS/retry policy, adding
// headers on top of those set by the auth mode. The caller owns closing
// the returned body.
func (m *Manager) Get(ctx context.Context, rawurl string, headers map[string]string) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt < m.cfg.maxAttempts(); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, chantal.NewError("download.Get", chantal.KindCancelled, "cancelled during backoff", ctx.Err())
			case <-time.After(backoff(attempt)):
			}
		}
		if m.limiter != nil {
			if err := m.limiter.Wait(ctx); err != nil {
				return nil, chantal.NewError("download.Get", chantal.KindCancelled, "rate limiter wait cancelled", err)
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
		if err != nil {
			return nil, chantal.NewError("download.Get", chantal.KindConfig, "building request", err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		m.applyAuth(req)

		if m.cfg.TLS.InsecureSkipVerify {
			slog.WarnContext(ctx, "tls verification disabled for request", "url", rawurl)
		}

		res, err := m.client.Do(req)
		status := 0
		if res != nil {
			status = res.StatusCode
		}
		if !isRetryable(status, err) {
			if err != nil {
				return nil, chantal.NewError("download.Get", chantal.KindNetwork, "request failed", err)
			}
			if status == http.StatusUnauthorized || status == http.StatusForbidden {
				res.Body.Close()
				return nil, chantal.NewError("download.Get", chantal.KindAuth, fmt.Sprintf("status %d", status), nil)
			}
			return res, nil
		}
		lastErr = err
		if res != nil {
			res.Body.Close()
			lastErr = fmt.Errorf("status %d", status)
		}
		slog.DebugContext(ctx, "retrying request", "url", rawurl, "attempt", attempt, "reason", lastErr)
	}
	return nil, chantal.NewError("download.Get", chantal.KindNetwork, "exhausted retries", lastErr)
}

// ConditionalGet reissues Get with If-None-Match/If-Modified-Since set
// from etag/lastModified, reporting whether the server answered 304.
func (m *Manager) ConditionalGet(ctx context.Context, rawurl, etag, lastModified string) (notModified bool, res *http.Response, err error) {
	headers := map[string]string{}
	if etag != "" {
		headers["If-None-Match"] = etag
	}
	if lastModified != "" {
		headers["If-Modified-Since"] = lastModified
	}
	r, err := m.Get(ctx, rawurl, headers)
	if err != nil {
		return false, nil, err
	}
	if r.StatusCode == http.StatusNotModified {
		r.Body.Close()
		return true, nil, nil
	}
	if r.StatusCode >= 400 {
		r.Body.Close()
		kind := chantal.KindNetwork
		if r.StatusCode == http.StatusUnauthorized || r.StatusCode == http.StatusForbidden {
			kind = chantal.KindAuth
		}
		return false, nil, chantal.NewError("download.ConditionalGet", kind, fmt.Sprintf("status %d", r.StatusCode), nil)
	}
	return false, r, nil
}

// Result is the outcome of DownloadToTemp.
type Result struct {
	Path   string
	SHA256 chantal.Digest
	Size   int64
}

// DownloadToTemp streams url into a temp file under dir, hashing as it
// reads and checking ctx for cancellation at chunk boundaries. If
// wantSHA256 is non-zero and disagrees with the computed digest, the temp
// file is removed and a ChecksumMismatch error is returned — the caller
// never sees a half-verified file.
func (m *Manager) DownloadToTemp(ctx context.Context, dir, rawurl string, wantSHA256 chantal.Digest) (Result, error) {
	res, err := m.Get(ctx, rawurl, nil)
	if err != nil {
		return Result{}, err
	}
	defer res.Body.Close()

	tf, err := os.CreateTemp(dir, "download-*")
	if err != nil {
		return Result{}, fmt.Errorf("download: create temp: %w", err)
	}
	removeTmp := true
	defer func() {
		if removeTmp {
			os.Remove(tf.Name())
		}
		tf.Close()
	}()

	h := sha256.New()
	const chunkSize = 256 * 1024
	buf := make([]byte, chunkSize)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return Result{}, chantal.NewError("download.DownloadToTemp", chantal.KindCancelled, "cancelled mid-stream", err)
		}
		n, rerr := res.Body.Read(buf)
		if n > 0 {
			if _, werr := tf.Write(buf[:n]); werr != nil {
				return Result{}, fmt.Errorf("download: write temp: %w", werr)
			}
			h.Write(buf[:n])
			total += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return Result{}, chantal.NewError("download.DownloadToTemp", chantal.KindNetwork, "reading response body", rerr)
		}
	}

	got := chantal.NewSHA256(h.Sum(nil))
	if wantSHA256.String() != "" && wantSHA256.String() != got.String() {
		return Result{}, chantal.NewError("download.DownloadToTemp", chantal.KindChecksumMismatch,
			fmt.Sprintf("expected %s, got %s", wantSHA256, got), nil)
	}

	removeTmp = false
	return Result{Path: tf.Name(), SHA256: got, Size: total}, nil
}
