// Package region implements the three-layer geolocation-to-CPU-zone
// mapping described in spec §4.1.
package region

import (
	"context"
	_ "embed"
	"log"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"gpu-standby-orchestrator/core/adapters"
)

//go:embed static_table.yaml
var staticTableYAML []byte

type coord struct {
	Lat float64 `yaml:"lat"`
	Lon float64 `yaml:"lon"`
}

type continentEntry struct {
	Hints []string `yaml:"hints"`
	Zone  string   `yaml:"zone"`
}

type tableEntry struct {
	Match string `yaml:"match"`
	Zone  string `yaml:"zone"`
}

type staticTable struct {
	Entries       []tableEntry       `yaml:"entries"`
	ZoneCoords    map[string]coord   `yaml:"zone_coords"`
	Continents    []continentEntry   `yaml:"continents"`
	GlobalDefault string             `yaml:"global_default"`
}

// Layer records which layer resolved a lookup, for logging/telemetry.
type Layer string

const (
	LayerStatic     Layer = "static"
	LayerIPGeo      Layer = "ip_geo"
	LayerContinent  Layer = "continent"
	LayerGlobal     Layer = "global_default"

	maxIPGeoDistanceKM = 500.0
)

// Resolution is the outcome of a resolve call, useful for logging and for
// feeding the learned-L2 cache.
type Resolution struct {
	Zone     string
	Layer    Layer
	Distance float64 // km, only meaningful for LayerIPGeo
}

// Resolver implements the three-layer mapping.
type Resolver struct {
	table  staticTable
	ipGeo  adapters.IpGeo

	mu          sync.RWMutex
	learned     map[string]string // geolocation string (lowercased) -> zone, populated from L2 hits
}

// NewResolver loads the embedded static table and wires an optional IpGeo
// adapter (layer 2 is skipped entirely if ipGeo is nil).
func NewResolver(ipGeo adapters.IpGeo) (*Resolver, error) {
	var t staticTable
	if err := yaml.Unmarshal(staticTableYAML, &t); err != nil {
		return nil, err
	}
	return &Resolver{
		table:   t,
		ipGeo:   ipGeo,
		learned: make(map[string]string),
	}, nil
}

// Resolve maps a provider-reported geolocation string (and optional public
// IP) to a CPU zone, trying static table, then IP geolocation, then
// continent fallback, in that order. The first hit wins; layer 3 never
// fails.
func (r *Resolver) Resolve(geolocation, publicIP string) Resolution {
	if zone, ok := r.lookupStatic(geolocation); ok {
		res := Resolution{Zone: zone, Layer: LayerStatic}
		log.Printf("region: resolved %q via static table -> %s", geolocation, zone)
		return res
	}

	if zone, ok := r.lookupLearned(geolocation); ok {
		res := Resolution{Zone: zone, Layer: LayerStatic}
		log.Printf("region: resolved %q via learned cache -> %s", geolocation, zone)
		return res
	}

	if publicIP != "" && r.ipGeo != nil {
		if res, ok := r.lookupIPGeo(publicIP); ok {
			log.Printf("region: resolved %q via IP geolocation -> %s (%.1f km)", geolocation, res.Zone, res.Distance)
			r.learn(geolocation, res.Zone)
			return res
		}
	}

	zone := r.lookupContinent(geolocation)
	res := Resolution{Zone: zone, Layer: LayerContinent}
	if zone == r.table.GlobalDefault {
		res.Layer = LayerGlobal
	}
	log.Printf("region: resolved %q via continent fallback -> %s", geolocation, zone)
	return res
}

func (r *Resolver) lookupStatic(geo string) (string, bool) {
	lowerGeo := strings.ToLower(strings.TrimSpace(geo))
	if lowerGeo == "" {
		return "", false
	}

	// Exact match.
	for _, e := range r.table.Entries {
		if strings.ToLower(e.Match) == lowerGeo {
			return e.Zone, true
		}
	}

	// Case-insensitive substring match, either direction.
	for _, e := range r.table.Entries {
		lowerMatch := strings.ToLower(e.Match)
		if strings.Contains(lowerGeo, lowerMatch) || strings.Contains(lowerMatch, lowerGeo) {
			return e.Zone, true
		}
	}

	// Per-comma-part match.
	for _, part := range strings.Split(lowerGeo, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		for _, e := range r.table.Entries {
			if strings.ToLower(e.Match) == part {
				return e.Zone, true
			}
		}
	}

	return "", false
}

func (r *Resolver) lookupLearned(geo string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	zone, ok := r.learned[strings.ToLower(strings.TrimSpace(geo))]
	return zone, ok
}

func (r *Resolver) learn(geo, zone string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.learned[strings.ToLower(strings.TrimSpace(geo))] = zone
}

func (r *Resolver) lookupIPGeo(publicIP string) (Resolution, bool) {
	// IpGeo.Lookup is expected to enforce its own short timeout (spec §6:
	// 2s); a network error here falls through to layer 3, it never raises.
	lat, lon, err := r.ipGeoLookup(publicIP)
	if err != nil {
		log.Printf("region: IP geolocation lookup failed for %s: %v (falling through)", publicIP, err)
		return Resolution{}, false
	}

	bestZone := ""
	bestDist := -1.0
	for zone, c := range r.table.ZoneCoords {
		d := haversineKM(lat, lon, c.Lat, c.Lon)
		if bestDist < 0 || d < bestDist {
			bestDist = d
			bestZone = zone
		}
	}

	if bestZone == "" || bestDist > maxIPGeoDistanceKM {
		return Resolution{}, false
	}

	return Resolution{Zone: bestZone, Layer: LayerIPGeo, Distance: bestDist}, true
}

func (r *Resolver) ipGeoLookup(publicIP string) (lat, lon float64, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return r.ipGeo.Lookup(ctx, publicIP)
}

func (r *Resolver) lookupContinent(geo string) string {
	lowerGeo := strings.ToLower(geo)
	for _, c := range r.table.Continents {
		for _, hint := range c.Hints {
			if strings.Contains(lowerGeo, hint) {
				return c.Zone
			}
		}
	}
	return r.table.GlobalDefault
}
