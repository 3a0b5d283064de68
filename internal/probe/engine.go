// Package probe executes single HTTP probes against monitored checks and
// classifies the result into an outcome kind.
package probe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/exit1dev/monitor/internal/dnscache"
	"github.com/exit1dev/monitor/internal/model"
)

// EngineConfig configures the probe engine. Knobs are closures for
// hot-reload from RuntimeConfig.
type EngineConfig struct {
	Resolver *dnscache.Resolver

	UserAgent        func() string
	ConnectTimeout   func() time.Duration
	TotalTimeout     func() time.Duration
	MaxRedirects     func() int
	MaxResponseBytes func() int64
}

// Engine performs probes. It holds no per-check state and is safe for
// concurrent use; one Engine serves the whole worker pool.
type Engine struct {
	cfg EngineConfig
}

// NewEngine creates an Engine.
func NewEngine(cfg EngineConfig) *Engine {
	return &Engine{cfg: cfg}
}

// probeConn carries what the dialer learned for the outcome record.
type probeConn struct {
	resolvedIPs []string
	family      int
}

// Probe executes one probe against the check and returns a classified
// outcome. It never returns an error: every failure mode becomes an
// OutcomeKind. The only side effect is the network call itself.
func (e *Engine) Probe(ctx context.Context, check *model.Check, now time.Time) model.ProbeOutcome {
	outcome := model.ProbeOutcome{
		ID:          model.OutcomeID(check.ID, check.Region, now.UnixNano()),
		CheckID:     check.ID,
		UserID:      check.UserID,
		Region:      check.Region,
		TimestampNs: now.UnixNano(),
	}

	total := 30 * time.Second
	if e.cfg.TotalTimeout != nil {
		total = e.cfg.TotalTimeout()
	}
	ctx, cancel := context.WithTimeout(ctx, total)
	defer cancel()

	req, err := e.buildRequest(ctx, check)
	if err != nil {
		outcome.Kind = model.OutcomeUnknownError
		outcome.ErrorCode = "ProtocolError"
		outcome.ErrorMessage = err.Error()
		return outcome
	}

	conn := &probeConn{}
	client, closeIdle := e.buildClient(check, conn)
	defer closeIdle()

	var firstByte time.Time
	trace := &httptrace.ClientTrace{
		GotFirstResponseByte: func() { firstByte = time.Now() },
	}
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), trace))

	start := time.Now()
	resp, err := client.Do(req)
	elapsed := func() int64 {
		if !firstByte.IsZero() {
			return firstByte.Sub(start).Milliseconds()
		}
		return time.Since(start).Milliseconds()
	}

	outcome.ResolvedIPs = conn.resolvedIPs
	outcome.IPFamily = conn.family

	if err != nil {
		kind, code := classifyTransportError(err)
		outcome.Kind = kind
		outcome.ErrorCode = code
		outcome.ErrorMessage = trimErr(err)
		outcome.ResponseTimeMs = time.Since(start).Milliseconds()
		return outcome
	}
	defer resp.Body.Close()

	outcome.StatusCode = resp.StatusCode
	outcome.ResponseTimeMs = elapsed()
	outcome.ResponseHeaders = resp.Header
	if resp.TLS != nil && len(resp.TLS.PeerCertificates) > 0 {
		outcome.TLSCertExpiryNs = resp.TLS.PeerCertificates[0].NotAfter.UnixNano()
	}

	maxBody := int64(64 << 10)
	if e.cfg.MaxResponseBytes != nil {
		maxBody = e.cfg.MaxResponseBytes()
	}
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if readErr != nil {
		kind, code := classifyTransportError(readErr)
		outcome.Kind = kind
		outcome.ErrorCode = code
		outcome.ErrorMessage = trimErr(readErr)
		return outcome
	}

	// Redirect responses reaching this point were left unfollowed by policy.
	if !check.FollowRedirects && resp.StatusCode >= 300 && resp.StatusCode < 400 {
		outcome.Kind = model.OutcomeRedirect
		return outcome
	}

	if !statusExpected(check, resp.StatusCode) {
		outcome.Kind = model.OutcomeHTTPError
		outcome.ErrorCode = "ProtocolError"
		outcome.ErrorMessage = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		return outcome
	}

	if check.BodyAssertion != "" && !strings.Contains(string(body), check.BodyAssertion) {
		outcome.Kind = model.OutcomeAssertionFailed
		outcome.ErrorMessage = fmt.Sprintf("body does not contain %q", check.BodyAssertion)
		return outcome
	}

	outcome.Kind = model.OutcomeOK
	return outcome
}

func (e *Engine) buildRequest(ctx context.Context, check *model.Check) (*http.Request, error) {
	method := check.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if check.RequestBody != "" {
		body = strings.NewReader(check.RequestBody)
	}
	req, err := http.NewRequestWithContext(ctx, method, check.URL, body)
	if err != nil {
		return nil, fmt.Errorf("probe: create request: %w", err)
	}

	userAgent := "Exit1-Monitor/1.0"
	if e.cfg.UserAgent != nil {
		userAgent = e.cfg.UserAgent()
	}
	req.Header.Set("User-Agent", userAgent)
	for k, v := range check.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// buildClient returns a per-probe client whose dialer resolves hostnames
// through the DNS cache, preferring the check's IP family.
func (e *Engine) buildClient(check *model.Check, conn *probeConn) (*http.Client, func()) {
	connect := 10 * time.Second
	if e.cfg.ConnectTimeout != nil {
		connect = e.cfg.ConnectTimeout()
	}

	transport := &http.Transport{
		DialContext:         e.dialContext(check, conn, connect),
		TLSHandshakeTimeout: connect,
		DisableKeepAlives:   true,
		ForceAttemptHTTP2:   true,
	}

	maxRedirects := 5
	if e.cfg.MaxRedirects != nil {
		maxRedirects = e.cfg.MaxRedirects()
	}

	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if !check.FollowRedirects {
				// Surface the 3xx itself; classified as the redirect outcome.
				return http.ErrUseLastResponse
			}
			if len(via) >= maxRedirects {
				return fmt.Errorf("probe: stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
	return client, transport.CloseIdleConnections
}

func (e *Engine) dialContext(check *model.Check, conn *probeConn, connectTimeout time.Duration) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}

		addrs, err := e.cfg.Resolver.ResolveAll(ctx, host)
		if err != nil {
			return nil, err
		}

		chosen := pickAddr(addrs, check.PreferIPv6)
		conn.resolvedIPs = conn.resolvedIPs[:0]
		for _, a := range addrs {
			conn.resolvedIPs = append(conn.resolvedIPs, a.IP.String())
		}
		conn.family = chosen.Family

		d := &net.Dialer{Timeout: connectTimeout}
		return d.DialContext(ctx, network, net.JoinHostPort(chosen.IP.String(), port))
	}
}

// pickAddr selects IPv4 first unless the check prefers IPv6.
func pickAddr(addrs []dnscache.Addr, preferIPv6 bool) dnscache.Addr {
	want := 4
	if preferIPv6 {
		want = 6
	}
	for _, a := range addrs {
		if a.Family == want {
			return a
		}
	}
	return addrs[0]
}

func statusExpected(check *model.Check, status int) bool {
	if len(check.ExpectedStatusCodes) == 0 {
		return status >= 200 && status <= 299
	}
	for _, s := range check.ExpectedStatusCodes {
		if s == status {
			return true
		}
	}
	return false
}

// classifyTransportError maps a transport-level failure onto the outcome
// taxonomy. Order matters: DNS errors arrive wrapped in url.Error and
// net.OpError layers, so sentinel checks come first.
func classifyTransportError(err error) (model.OutcomeKind, string) {
	switch {
	case errors.Is(err, dnscache.ErrNameNotFound):
		return model.OutcomeDNSFailure, "NameNotFound"
	case errors.Is(err, dnscache.ErrTimeout):
		return model.OutcomeTimeout, "Timeout"
	case errors.Is(err, dnscache.ErrTransient):
		return model.OutcomeDNSFailure, "TransientDnsFailure"
	}

	var certErr *tls.CertificateVerificationError
	var hostErr x509.HostnameError
	var unknownAuth x509.UnknownAuthorityError
	var invalidCert x509.CertificateInvalidError
	var recordErr tls.RecordHeaderError
	if errors.As(err, &certErr) || errors.As(err, &hostErr) ||
		errors.As(err, &unknownAuth) || errors.As(err, &invalidCert) ||
		errors.As(err, &recordErr) {
		return model.OutcomeTLSFailure, "TlsInvalid"
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return model.OutcomeTimeout, "Timeout"
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return model.OutcomeTimeout, "Timeout"
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return model.OutcomeConnectFailure, "ConnectionRefused"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return model.OutcomeConnectFailure, "ConnectionRefused"
	}

	return model.OutcomeUnknownError, "ProtocolError"
}

// trimErr strips the url.Error envelope so last_error stays short.
func trimErr(err error) string {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err.Error()
	}
	return err.Error()
}
