package enrich

import (
	"errors"
	"net"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/exit1dev/monitor/internal/model"
)

// mockGeoReader populates lookup results with canned records.
type mockGeoReader struct {
	mu      sync.Mutex
	country string
	city    string
	asn     uint
	org     string
	err     error
	closed  bool
}

func (m *mockGeoReader) Lookup(_ net.IP, result any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	switch rec := result.(type) {
	case *cityRecord:
		rec.Country.ISOCode = m.country
		rec.City.Names = map[string]string{"en": m.city}
		rec.Location.Latitude = 52.37
		rec.Location.Longitude = 4.89
	case *asnRecord:
		rec.Number = m.asn
		rec.Org = m.org
	}
	return nil
}

func (m *mockGeoReader) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockGeoReader) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func TestGeoService_Lookup(t *testing.T) {
	s := &GeoService{
		city: &mockGeoReader{country: "NL", city: "Amsterdam"},
		asn:  &mockGeoReader{asn: 13335, org: "Cloudflare, Inc."},
	}

	info := s.Lookup(netip.MustParseAddr("104.16.132.229"))
	if info.Country != "NL" || info.City != "Amsterdam" {
		t.Fatalf("unexpected geo: %+v", info)
	}
	if info.ASN != 13335 || info.ASOrg != "Cloudflare, Inc." {
		t.Fatalf("unexpected asn: %+v", info)
	}
	if info.ISP != info.ASOrg {
		t.Fatalf("isp should default to as org, got %q", info.ISP)
	}
}

func TestGeoService_LookupWithoutDatabases(t *testing.T) {
	s := &GeoService{}
	if info := s.Lookup(netip.MustParseAddr("1.2.3.4")); info != (GeoInfo{}) {
		t.Fatalf("want zero info without databases, got %+v", info)
	}
}

func TestGeoService_LookupErrorDegrades(t *testing.T) {
	s := &GeoService{
		city: &mockGeoReader{err: errors.New("corrupt record")},
		asn:  &mockGeoReader{asn: 64512, org: "Example"},
	}
	info := s.Lookup(netip.MustParseAddr("1.2.3.4"))
	if info.Country != "" {
		t.Fatalf("city lookup error must not populate country, got %q", info.Country)
	}
	if info.ASN != 64512 {
		t.Fatalf("asn lookup should still succeed, got %+v", info)
	}
}

func TestGeoService_ReloadSwapsAndClosesOld(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"GeoLite2-City.mmdb", "GeoLite2-ASN.mmdb"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	oldCity := &mockGeoReader{country: "US"}
	oldASN := &mockGeoReader{asn: 1}
	s := NewGeoService(GeoConfig{
		Dir: dir,
		OpenDB: func(path string) (GeoReader, error) {
			if filepath.Base(path) == "GeoLite2-City.mmdb" {
				return &mockGeoReader{country: "JP"}, nil
			}
			return &mockGeoReader{asn: 2}, nil
		},
	})
	s.city, s.asn = oldCity, oldASN

	if err := s.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !oldCity.isClosed() || !oldASN.isClosed() {
		t.Fatal("old readers should be closed after reload")
	}
	info := s.Lookup(netip.MustParseAddr("1.2.3.4"))
	if info.Country != "JP" || info.ASN != 2 {
		t.Fatalf("reload did not swap readers: %+v", info)
	}
}

func TestGeoService_ReloadKeepsOldOnMissingFile(t *testing.T) {
	s := NewGeoService(GeoConfig{
		Dir:    t.TempDir(), // empty: no mmdb files
		OpenDB: func(string) (GeoReader, error) { t.Fatal("open must not run"); return nil, nil },
	})
	old := &mockGeoReader{country: "DE"}
	s.city = old

	if err := s.Reload(); err == nil {
		t.Fatal("expected error for missing databases")
	}
	if old.isClosed() {
		t.Fatal("old reader must survive a failed reload")
	}
	if info := s.Lookup(netip.MustParseAddr("1.2.3.4")); info.Country != "DE" {
		t.Fatalf("lookup should still use old reader, got %+v", info)
	}
}

func TestGeoService_StopClosesReaders(t *testing.T) {
	city := &mockGeoReader{country: "FR"}
	s := NewGeoService(GeoConfig{Dir: t.TempDir()})
	s.city = city
	s.Stop()

	if !city.isClosed() {
		t.Fatal("reader should be closed after stop")
	}
	if info := s.Lookup(netip.MustParseAddr("1.2.3.4")); info.Country != "" {
		t.Fatalf("lookup after stop should be empty, got %+v", info)
	}
}

func TestDetectCDN(t *testing.T) {
	rules := DefaultCDNRules()
	tests := []struct {
		name    string
		headers http.Header
		cdn     string
		pop     string
		trace   string
	}{
		{
			name:    "cloudflare ray",
			headers: http.Header{"Cf-Ray": {"8f1a2b3c4d5e6f70-AMS"}, "Server": {"cloudflare"}},
			cdn:     "cloudflare", pop: "AMS", trace: "8f1a2b3c4d5e6f70-AMS",
		},
		{
			name:    "cloudflare server only",
			headers: http.Header{"Server": {"cloudflare"}},
			cdn:     "cloudflare",
		},
		{
			name:    "fastly",
			headers: http.Header{"X-Served-By": {"cache-iad-kiad7000021-IAD, cache-ams21023-AMS"}, "X-Fastly-Request-Id": {"deadbeef"}},
			cdn:     "fastly", pop: "AMS", trace: "deadbeef",
		},
		{
			name:    "cloudfront",
			headers: http.Header{"X-Amz-Cf-Pop": {"FRA56-P8"}, "X-Amz-Cf-Id": {"abc=="}},
			cdn:     "cloudfront", pop: "FRA56-P8", trace: "abc==",
		},
		{
			name:    "cloudfront via only",
			headers: http.Header{"Via": {"1.1 0123.cloudfront.net (CloudFront)"}},
			cdn:     "cloudfront",
		},
		{
			name:    "vercel",
			headers: http.Header{"X-Vercel-Id": {"fra1::iad1::q4zw8-1700000000000-abcdef"}},
			cdn:     "vercel", pop: "fra1", trace: "fra1::iad1::q4zw8-1700000000000-abcdef",
		},
		{
			name:    "akamai",
			headers: http.Header{"Server": {"AkamaiGHost"}},
			cdn:     "akamai",
		},
		{
			name:    "no cdn",
			headers: http.Header{"Server": {"nginx/1.24.0"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cdn, pop, trace := DetectCDN(rules, tt.headers)
			if cdn != tt.cdn || pop != tt.pop || trace != tt.trace {
				t.Fatalf("got (%q, %q, %q), want (%q, %q, %q)", cdn, pop, trace, tt.cdn, tt.pop, tt.trace)
			}
		})
	}
}

func TestLoadCDNRules_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cdn.yaml")
	content := "- name: custom\n  header: x-custom-edge\n  pop_header: x-custom-edge\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	rules, err := LoadCDNRules(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cdn, pop, _ := DetectCDN(rules, http.Header{"X-Custom-Edge": {"edge-7"}})
	if cdn != "custom" || pop != "edge-7" {
		t.Fatalf("got (%q, %q)", cdn, pop)
	}
}

func TestLoadCDNRules_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cdn.yaml")
	if err := os.WriteFile(path, []byte("- header: no-name\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCDNRules(path); err == nil {
		t.Fatal("expected error for rule without name")
	}
}

func TestEnricher_Enrich(t *testing.T) {
	geo := &GeoService{
		city: &mockGeoReader{country: "NL", city: "Amsterdam"},
		asn:  &mockGeoReader{asn: 13335, org: "Cloudflare, Inc."},
	}
	e := New(geo, nil)

	out := &model.ProbeOutcome{
		ResolvedIPs:     []string{"104.16.132.229"},
		ResponseHeaders: http.Header{"Cf-Ray": {"8f1a2b3c4d5e6f70-AMS"}},
	}
	e.Enrich(out)

	if out.Country != "NL" || out.City != "Amsterdam" || out.ASN != 13335 {
		t.Fatalf("geo enrichment missing: %+v", out)
	}
	if out.CDN != "cloudflare" || out.EdgePoP != "AMS" {
		t.Fatalf("cdn enrichment missing: cdn=%q pop=%q", out.CDN, out.EdgePoP)
	}
}

func TestEnricher_NoGeoNoHeaders(t *testing.T) {
	e := New(nil, nil)
	out := &model.ProbeOutcome{ErrorCode: "Timeout"}
	e.Enrich(out)

	if out.Country != "" || out.CDN != "" {
		t.Fatalf("enrichment of failed probe must stay empty: %+v", out)
	}
}

func TestEnricher_BadResolvedIP(t *testing.T) {
	geo := &GeoService{city: &mockGeoReader{country: "NL"}}
	e := New(geo, nil)
	out := &model.ProbeOutcome{ResolvedIPs: []string{"not-an-ip"}}
	e.Enrich(out)

	if out.Country != "" {
		t.Fatalf("unparseable ip must not enrich, got %q", out.Country)
	}
}
