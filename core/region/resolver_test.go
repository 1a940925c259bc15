package region

import (
	"context"
	"fmt"
	"testing"
)

type fakeIPGeo struct {
	lat, lon float64
	err      error
}

func (f *fakeIPGeo) Lookup(ctx context.Context, ip string) (float64, float64, error) {
	if f.err != nil {
		return 0, 0, f.err
	}
	return f.lat, f.lon, nil
}

func TestResolve_StaticTableHit(t *testing.T) {
	r, err := NewResolver(nil)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	res := r.Resolve("Quebec, CA", "")
	if res.Zone != "northamerica-northeast1-a" {
		t.Errorf("got zone %q, want northamerica-northeast1-a", res.Zone)
	}
	if res.Layer != LayerStatic {
		t.Errorf("got layer %q, want static", res.Layer)
	}
}

func TestResolve_StaticTableCaseInsensitiveSubstring(t *testing.T) {
	r, err := NewResolver(nil)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	res := r.Resolve("frankfurt am main, germany", "")
	if res.Zone != "europe-west3-a" {
		t.Errorf("got zone %q, want europe-west3-a", res.Zone)
	}
}

func TestResolve_IPGeoWithinRadius(t *testing.T) {
	r, err := NewResolver(&fakeIPGeo{lat: 45.50, lon: -73.57}) // near Montreal
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	res := r.Resolve("unknown-locale-xyz", "203.0.113.5")
	if res.Zone != "northamerica-northeast1-a" {
		t.Errorf("got zone %q, want northamerica-northeast1-a", res.Zone)
	}
	if res.Layer != LayerIPGeo {
		t.Errorf("got layer %q, want ip_geo", res.Layer)
	}
	if res.Distance > maxIPGeoDistanceKM {
		t.Errorf("distance %.1f exceeds cutoff %.1f", res.Distance, maxIPGeoDistanceKM)
	}
}

func TestResolve_IPGeoBeyondRadiusFallsThroughToContinent(t *testing.T) {
	// Middle of the Pacific ocean: >500km from every known zone center.
	r, err := NewResolver(&fakeIPGeo{lat: 0, lon: -160})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	res := r.Resolve("Some Country, Unknown", "203.0.113.5")
	if res.Layer == LayerIPGeo {
		t.Errorf("expected fallthrough past ip_geo, got layer %q zone %q", res.Layer, res.Zone)
	}
}

func TestResolve_IPGeoErrorFallsThroughWithoutRaising(t *testing.T) {
	r, err := NewResolver(&fakeIPGeo{err: fmt.Errorf("network unreachable")})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	res := r.Resolve("Bavaria, DE", "203.0.113.5")
	if res.Zone != "europe-west3-a" {
		t.Errorf("got zone %q, want europe-west3-a (continent fallback for DE)", res.Zone)
	}
}

func TestResolve_ContinentFallback(t *testing.T) {
	r, err := NewResolver(nil)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	res := r.Resolve("somewhere in JP", "")
	if res.Zone != "asia-northeast1-a" {
		t.Errorf("got zone %q, want asia-northeast1-a", res.Zone)
	}
}

func TestResolve_GlobalDefaultNeverFails(t *testing.T) {
	r, err := NewResolver(nil)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	res := r.Resolve("xyzzy", "")
	if res.Zone == "" {
		t.Fatal("expected a non-empty global default zone")
	}
}

func TestResolve_LearnedCacheServesSecondLookup(t *testing.T) {
	r, err := NewResolver(&fakeIPGeo{lat: 51.5074, lon: -0.1278}) // London
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	first := r.Resolve("Somewhereburg", "198.51.100.7")
	if first.Layer != LayerIPGeo {
		t.Fatalf("expected first lookup to resolve via ip_geo, got %q", first.Layer)
	}

	second := r.Resolve("Somewhereburg", "")
	if second.Zone != first.Zone {
		t.Errorf("learned cache returned %q, want %q", second.Zone, first.Zone)
	}
	if second.Layer != LayerStatic {
		t.Errorf("expected learned lookup to report as static-equivalent layer, got %q", second.Layer)
	}
}
