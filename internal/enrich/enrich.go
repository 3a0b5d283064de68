package enrich

import (
	"net/netip"

	"github.com/exit1dev/monitor/internal/model"
)

// Enricher annotates probe outcomes in place.
type Enricher struct {
	geo   *GeoService
	rules []CDNRule
}

// New creates an Enricher. geo may be nil, in which case only CDN
// detection runs.
func New(geo *GeoService, rules []CDNRule) *Enricher {
	if rules == nil {
		rules = DefaultCDNRules()
	}
	return &Enricher{geo: geo, rules: rules}
}

// Enrich fills in the outcome's metadata fields. Best effort: anything that
// cannot be determined stays at its zero value, and the outcome is never
// rejected.
func (e *Enricher) Enrich(out *model.ProbeOutcome) {
	if e.geo != nil && len(out.ResolvedIPs) > 0 {
		if ip, err := netip.ParseAddr(out.ResolvedIPs[0]); err == nil {
			info := e.geo.Lookup(ip)
			out.Country = info.Country
			out.RegionGeo = info.Region
			out.City = info.City
			out.Latitude = info.Latitude
			out.Longitude = info.Longitude
			out.ASN = info.ASN
			out.ASOrg = info.ASOrg
			out.ISP = info.ISP
		}
	}

	if len(out.ResponseHeaders) > 0 {
		out.CDN, out.EdgePoP, out.TraceID = DetectCDN(e.rules, out.ResponseHeaders)
	}
}
