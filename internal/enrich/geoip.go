// Package enrich annotates probe outcomes with best-effort metadata:
// GeoIP location and network data for the resolved address, and CDN
// detection from response headers. Enrichment failures never fail a probe.
package enrich

import (
	"fmt"
	"log"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sync"

	"github.com/oschwald/maxminddb-golang"
	"github.com/robfig/cron/v3"
)

// GeoReader abstracts an mmdb reader so tests can inject canned records.
type GeoReader interface {
	Lookup(ip net.IP, result any) error
	Close() error
}

// OpenFunc opens an mmdb file and returns a GeoReader.
type OpenFunc func(path string) (GeoReader, error)

// MaxmindOpen is the production OpenFunc backed by maxminddb.
func MaxmindOpen(path string) (GeoReader, error) {
	return maxminddb.Open(path)
}

// GeoInfo is the result of a geo lookup. Zero values mean unknown.
type GeoInfo struct {
	Country   string
	Region    string
	City      string
	Latitude  float64
	Longitude float64
	ASN       uint
	ASOrg     string
	ISP       string
}

type cityRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	Subdivisions []struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"subdivisions"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Location struct {
		Latitude  float64 `maxminddb:"latitude"`
		Longitude float64 `maxminddb:"longitude"`
	} `maxminddb:"location"`
}

type asnRecord struct {
	Number uint   `maxminddb:"autonomous_system_number"`
	Org    string `maxminddb:"autonomous_system_organization"`
}

// GeoConfig configures the GeoIP service.
type GeoConfig struct {
	Dir            string // directory holding the mmdb files
	CityFile       string // default "GeoLite2-City.mmdb"
	ASNFile        string // default "GeoLite2-ASN.mmdb"
	ReloadSchedule string // cron expression, default "30 6 * * *"
	OpenDB         OpenFunc
}

// GeoService provides geo lookups with hot-reloading via RWMutex. The mmdb
// files are refreshed on disk by an external updater; the cron entry
// re-opens them on schedule so new data takes effect without a restart.
type GeoService struct {
	mu   sync.RWMutex
	city GeoReader // nil until loaded
	asn  GeoReader

	dir      string
	cityFile string
	asnFile  string
	openDB   OpenFunc
	cron     *cron.Cron
	reloadMu sync.Mutex
}

// NewGeoService creates a GeoService. Call Start to load the databases.
func NewGeoService(cfg GeoConfig) *GeoService {
	if cfg.CityFile == "" {
		cfg.CityFile = "GeoLite2-City.mmdb"
	}
	if cfg.ASNFile == "" {
		cfg.ASNFile = "GeoLite2-ASN.mmdb"
	}
	if cfg.ReloadSchedule == "" {
		cfg.ReloadSchedule = "30 6 * * *"
	}
	if cfg.OpenDB == nil {
		cfg.OpenDB = MaxmindOpen
	}

	s := &GeoService{
		dir:      cfg.Dir,
		cityFile: cfg.CityFile,
		asnFile:  cfg.ASNFile,
		openDB:   cfg.OpenDB,
		cron:     cron.New(),
	}

	if _, err := s.cron.AddFunc(cfg.ReloadSchedule, func() {
		if err := s.Reload(); err != nil {
			log.Printf("[geoip] scheduled reload failed: %v", err)
		}
	}); err != nil {
		log.Printf("[geoip] invalid reload schedule %q: %v", cfg.ReloadSchedule, err)
	}

	return s
}

// Start loads the databases and starts the reload schedule. A missing
// database file is not fatal: lookups degrade to empty GeoInfo until the
// file appears and a reload picks it up.
func (s *GeoService) Start() error {
	if err := s.Reload(); err != nil {
		log.Printf("[geoip] initial load incomplete: %v", err)
	}
	s.cron.Start()
	return nil
}

// Reload re-opens both databases from disk and swaps them in. Holders of
// the read lock finish against the old readers before those are closed.
func (s *GeoService) Reload() error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	city, cityErr := s.open(s.cityFile)
	asn, asnErr := s.open(s.asnFile)

	s.mu.Lock()
	oldCity, oldASN := s.city, s.asn
	if city != nil {
		s.city = city
	}
	if asn != nil {
		s.asn = asn
	}
	s.mu.Unlock()

	if city != nil && oldCity != nil {
		oldCity.Close()
	}
	if asn != nil && oldASN != nil {
		oldASN.Close()
	}

	if cityErr != nil {
		return cityErr
	}
	return asnErr
}

func (s *GeoService) open(name string) (GeoReader, error) {
	path := filepath.Join(s.dir, name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("geoip: %s not present", name)
	}
	r, err := s.openDB(path)
	if err != nil {
		return nil, fmt.Errorf("geoip: open %s: %w", path, err)
	}
	return r, nil
}

// Stop stops the reload schedule and closes the readers.
func (s *GeoService) Stop() {
	s.cron.Stop()
	s.mu.Lock()
	city, asn := s.city, s.asn
	s.city, s.asn = nil, nil
	s.mu.Unlock()
	if city != nil {
		city.Close()
	}
	if asn != nil {
		asn.Close()
	}
}

// Lookup returns what the databases know about ip. Absent databases and
// lookup errors both produce a partial (possibly zero) GeoInfo.
func (s *GeoService) Lookup(ip netip.Addr) GeoInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var info GeoInfo
	raw := net.IP(ip.AsSlice())

	if s.city != nil {
		var rec cityRecord
		if err := s.city.Lookup(raw, &rec); err == nil {
			info.Country = rec.Country.ISOCode
			if len(rec.Subdivisions) > 0 {
				info.Region = rec.Subdivisions[0].Names["en"]
			}
			info.City = rec.City.Names["en"]
			info.Latitude = rec.Location.Latitude
			info.Longitude = rec.Location.Longitude
		}
	}

	if s.asn != nil {
		var rec asnRecord
		if err := s.asn.Lookup(raw, &rec); err == nil {
			info.ASN = rec.Number
			info.ASOrg = rec.Org
			// The ASN database carries no separate ISP name.
			info.ISP = rec.Org
		}
	}

	return info
}
