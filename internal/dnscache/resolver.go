// Package dnscache implements a non-blocking resolver with positive/negative
// caching, transient-error retry across rotated upstream servers, and
// request coalescing.
package dnscache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"
	"golang.org/x/sync/singleflight"

	"github.com/exit1dev/monitor/internal/scanloop"
)

// Sentinel errors. Callers distinguish them with errors.Is.
var (
	// ErrNameNotFound is a permanent resolution failure (NXDOMAIN or no data).
	ErrNameNotFound = errors.New("dnscache: name not found")
	// ErrTransient is returned when all retries against all upstreams failed
	// with retryable errors.
	ErrTransient = errors.New("dnscache: transient resolution failure")
	// ErrTimeout is returned when every attempt timed out.
	ErrTimeout = errors.New("dnscache: resolution timed out")
)

// Addr is one resolved address with its IP family.
type Addr struct {
	IP     netip.Addr
	Family int // 4 or 6
}

// Exchanger performs one DNS query against one upstream server.
// Injectable for testing; the production implementation is a miekg/dns client.
type Exchanger func(ctx context.Context, msg *dns.Msg, server string) (*dns.Msg, error)

// Config configures the Resolver. Duration and retry knobs are closures so
// tests and hot-reloaded runtime config take effect without rebuild.
type Config struct {
	// Servers is the ordered upstream list (IP addresses, port 53 implied).
	Servers []string

	PositiveTTL          func() time.Duration
	NegativePermanentTTL func() time.Duration
	NegativeTransientTTL func() time.Duration
	QueryTimeout         func() time.Duration
	MaxRetries           func() int
	RetryBackoff         func() []time.Duration

	// Exchange performs the upstream query. Defaults to a UDP miekg/dns
	// client with TCP fallback on truncation.
	Exchange Exchanger

	// OnRetryRecovered is called when a resolution succeeds after at least
	// one failed attempt (stats counter dns_retry_recovered).
	OnRetryRecovered func()

	// CacheCapacity bounds each cache. Defaults to 8192 entries.
	CacheCapacity int
}

// Resolver resolves hostnames with caching and coalescing. Safe for
// concurrent use by hundreds of goroutines.
type Resolver struct {
	cfg      Config
	positive *ttlCache[[]Addr]
	negative *ttlCache[negEntry]
	group    singleflight.Group

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

type negEntry struct {
	err error
}

const sweepInterval = 5 * time.Minute

// New creates a Resolver. Start must be called to run the eviction sweeper.
func New(cfg Config) *Resolver {
	capacity := cfg.CacheCapacity
	if capacity <= 0 {
		capacity = 8192
	}
	r := &Resolver{
		cfg:      cfg,
		positive: newTTLCache[[]Addr](capacity),
		negative: newTTLCache[negEntry](capacity),
		stopCh:   make(chan struct{}),
	}
	if r.cfg.Exchange == nil {
		r.cfg.Exchange = defaultExchange
	}
	return r
}

// Start launches the background eviction sweeper.
func (r *Resolver) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		scanloop.Run(r.stopCh, sweepInterval, 30*time.Second, func() {
			now := time.Now()
			evicted := r.positive.Sweep(now) + r.negative.Sweep(now)
			if evicted > 0 {
				log.Printf("[dns] evicted %d expired cache entries", evicted)
			}
		})
	}()
}

// Stop stops the sweeper and releases cache resources.
func (r *Resolver) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
	r.positive.Close()
	r.negative.Close()
}

// ResolveAll returns all addresses for host, both families. Cached results
// are returned when fresh; concurrent calls for the same host are coalesced
// to a single in-flight resolution. IP literals are returned immediately.
func (r *Resolver) ResolveAll(ctx context.Context, host string) ([]Addr, error) {
	if ip, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return []Addr{addrOf(ip)}, nil
	}

	key, err := normalizeHost(host)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrNameNotFound, host)
	}

	now := time.Now()
	if addrs, ok := r.positive.Get(key, now); ok {
		return addrs, nil
	}
	if neg, ok := r.negative.Get(key, now); ok {
		return nil, neg.err
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		// Re-check under the flight: a concurrent resolution may have
		// populated the cache between the miss and the flight start.
		now := time.Now()
		if addrs, ok := r.positive.Get(key, now); ok {
			return addrs, nil
		}
		if neg, ok := r.negative.Get(key, now); ok {
			return nil, neg.err
		}
		return r.resolveUpstream(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Addr), nil
}

// LookupOptions adapts Lookup to single-result callers.
type LookupOptions struct {
	// Family restricts results to one IP family (4 or 6). Zero means no
	// restriction, in which case IPv4 addresses are preferred.
	Family int
}

// Lookup resolves host and returns the preferred single address.
func (r *Resolver) Lookup(ctx context.Context, host string, opts LookupOptions) (Addr, error) {
	addrs, err := r.ResolveAll(ctx, host)
	if err != nil {
		return Addr{}, err
	}
	if opts.Family != 0 {
		for _, a := range addrs {
			if a.Family == opts.Family {
				return a, nil
			}
		}
		return Addr{}, fmt.Errorf("%w: no IPv%d address for %q", ErrNameNotFound, opts.Family, host)
	}
	// Prefer IPv4 when the caller has no preference.
	for _, a := range addrs {
		if a.Family == 4 {
			return a, nil
		}
	}
	return addrs[0], nil
}

// resolveUpstream issues A and AAAA queries in parallel, retrying transient
// failures with the upstream list rotated by the retry index.
func (r *Resolver) resolveUpstream(ctx context.Context, host string) ([]Addr, error) {
	maxRetries := 3
	if r.cfg.MaxRetries != nil {
		maxRetries = r.cfg.MaxRetries()
	}
	var backoff []time.Duration
	if r.cfg.RetryBackoff != nil {
		backoff = r.cfg.RetryBackoff()
	}

	var lastErr error
	sawTimeout := false
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoffFor(backoff, attempt-1)); err != nil {
				break
			}
		}

		server := r.serverForAttempt(attempt)
		addrs, err := r.queryBothFamilies(ctx, host, server)
		if err == nil {
			if attempt > 0 && r.cfg.OnRetryRecovered != nil {
				r.cfg.OnRetryRecovered()
			}
			r.positive.Set(host, addrs, r.positiveTTL())
			return addrs, nil
		}

		if errors.Is(err, ErrNameNotFound) {
			// Permanent: cache with the longer negative TTL, no retry.
			r.negative.Set(host, negEntry{err: err}, r.negativePermanentTTL())
			return nil, err
		}
		if isTimeoutErr(err) {
			sawTimeout = true
		}
		lastErr = err
	}

	// Retries exhausted with transient errors: cache with the short TTL.
	final := fmt.Errorf("%w: %v", ErrTransient, lastErr)
	if sawTimeout && lastErr != nil && isTimeoutErr(lastErr) {
		final = fmt.Errorf("%w: %v", ErrTimeout, lastErr)
	}
	r.negative.Set(host, negEntry{err: final}, r.negativeTransientTTL())
	return nil, final
}

// serverForAttempt rotates the upstream list by the retry index so different
// providers are tried first on successive attempts.
func (r *Resolver) serverForAttempt(attempt int) string {
	servers := r.cfg.Servers
	if len(servers) == 0 {
		return "1.1.1.1"
	}
	return servers[attempt%len(servers)]
}

type familyResult struct {
	addrs []Addr
	err   error
}

// queryBothFamilies issues A and AAAA in parallel against one upstream.
// Either family yielding an address is a success.
func (r *Resolver) queryBothFamilies(ctx context.Context, host, server string) ([]Addr, error) {
	timeout := 5 * time.Second
	if r.cfg.QueryTimeout != nil {
		timeout = r.cfg.QueryTimeout()
	}
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan familyResult, 2)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		go func(qtype uint16) {
			addrs, err := r.queryOne(qctx, host, server, qtype)
			ch <- familyResult{addrs: addrs, err: err}
		}(qtype)
	}

	var addrs []Addr
	var errs []error
	for i := 0; i < 2; i++ {
		res := <-ch
		if res.err != nil {
			errs = append(errs, res.err)
			continue
		}
		addrs = append(addrs, res.addrs...)
	}
	if len(addrs) > 0 {
		return sortV4First(addrs), nil
	}

	// Both families failed. NXDOMAIN/no-data on both means the name does
	// not exist; any transient error keeps the failure retryable.
	allPermanent := true
	for _, err := range errs {
		if !errors.Is(err, ErrNameNotFound) {
			allPermanent = false
		}
	}
	if allPermanent && len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrNameNotFound, host)
	}
	return nil, errors.Join(errs...)
}

func (r *Resolver) queryOne(ctx context.Context, host, server string, qtype uint16) ([]Addr, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	resp, err := r.cfg.Exchange(ctx, msg, net.JoinHostPort(server, "53"))
	if err != nil {
		return nil, fmt.Errorf("query %s %s @%s: %w", dns.TypeToString[qtype], host, server, err)
	}

	switch resp.Rcode {
	case dns.RcodeSuccess:
		// Fall through to answer parsing; an empty answer is no-data.
	case dns.RcodeNameError:
		return nil, fmt.Errorf("%w: %s", ErrNameNotFound, host)
	case dns.RcodeRefused, dns.RcodeServerFailure:
		return nil, fmt.Errorf("upstream %s returned %s for %s: %w",
			server, dns.RcodeToString[resp.Rcode], host, ErrTransient)
	default:
		return nil, fmt.Errorf("upstream %s returned %s for %s: %w",
			server, dns.RcodeToString[resp.Rcode], host, ErrTransient)
	}

	var addrs []Addr
	for _, rr := range resp.Answer {
		switch a := rr.(type) {
		case *dns.A:
			if ip, ok := netip.AddrFromSlice(a.A.To4()); ok {
				addrs = append(addrs, Addr{IP: ip, Family: 4})
			}
		case *dns.AAAA:
			if ip, ok := netip.AddrFromSlice(a.AAAA); ok {
				addrs = append(addrs, Addr{IP: ip, Family: 6})
			}
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: no %s records for %s", ErrNameNotFound, dns.TypeToString[qtype], host)
	}
	return addrs, nil
}

func (r *Resolver) positiveTTL() time.Duration {
	if r.cfg.PositiveTTL != nil {
		return r.cfg.PositiveTTL()
	}
	return 120 * time.Second
}

func (r *Resolver) negativePermanentTTL() time.Duration {
	if r.cfg.NegativePermanentTTL != nil {
		return r.cfg.NegativePermanentTTL()
	}
	return 30 * time.Second
}

func (r *Resolver) negativeTransientTTL() time.Duration {
	if r.cfg.NegativeTransientTTL != nil {
		return r.cfg.NegativeTransientTTL()
	}
	return 5 * time.Second
}

// defaultExchange is the production Exchanger: UDP with TCP fallback on
// truncated responses.
func defaultExchange(ctx context.Context, msg *dns.Msg, server string) (*dns.Msg, error) {
	client := &dns.Client{Net: "udp"}
	resp, _, err := client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, err
	}
	if resp.Truncated {
		tcp := &dns.Client{Net: "tcp"}
		resp, _, err = tcp.ExchangeContext(ctx, msg, server)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func normalizeHost(host string) (string, error) {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if host == "" {
		return "", fmt.Errorf("empty host")
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", err
	}
	return ascii, nil
}

func addrOf(ip netip.Addr) Addr {
	if ip.Is4() || ip.Is4In6() {
		return Addr{IP: ip.Unmap(), Family: 4}
	}
	return Addr{IP: ip, Family: 6}
}

func sortV4First(addrs []Addr) []Addr {
	out := make([]Addr, 0, len(addrs))
	for _, a := range addrs {
		if a.Family == 4 {
			out = append(out, a)
		}
	}
	for _, a := range addrs {
		if a.Family == 6 {
			out = append(out, a)
		}
	}
	return out
}

func backoffFor(backoff []time.Duration, i int) time.Duration {
	if len(backoff) == 0 {
		return 200 * time.Millisecond << uint(i)
	}
	if i >= len(backoff) {
		i = len(backoff) - 1
	}
	return backoff[i]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isTimeoutErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
