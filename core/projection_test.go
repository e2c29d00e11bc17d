package core

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
)

func TestUTMRoundTrip(t *testing.T) {
	p := UTMProjection{Zone: 32}
	lon, lat := 7.0982, 50.7374 // Bonn
	x, y := p.Forward(lon, lat)
	if math.Abs(x-365000) > 20000 || math.Abs(y-5622000) > 20000 {
		t.Fatalf("Forward = (%.1f, %.1f), want close to (365000, 5622000)", x, y)
	}
	gotLon, gotLat := p.Inverse(x, y)
	if math.Abs(gotLon-lon) > 1e-6 || math.Abs(gotLat-lat) > 1e-6 {
		t.Fatalf("Inverse = (%.7f, %.7f), want (%.7f, %.7f)", gotLon, gotLat, lon, lat)
	}
}

func TestUTMCentralMeridian(t *testing.T) {
	x, y := UTMProjection{Zone: 32}.Forward(9, 48)
	if math.Abs(x-500000) > 0.01 || math.Abs(y-5316300.22) > 0.5 {
		t.Fatalf("Forward(9, 48) = (%.2f, %.2f), want (500000.00, 5316300.22)", x, y)
	}

	// Southern zones carry the false northing.
	_, ys := UTMProjection{Zone: 33, South: true}.Forward(15, -30)
	if ys < 6000000 || ys > 7000000 {
		t.Fatalf("southern northing = %.1f, want within (6e6, 7e6)", ys)
	}
}

func TestMercatorRoundTrip(t *testing.T) {
	p := MercatorProjection{}
	x, y := p.Forward(13.4, 52.5)
	lon, lat := p.Inverse(x, y)
	if math.Abs(lon-13.4) > 1e-9 || math.Abs(lat-52.5) > 1e-9 {
		t.Fatalf("round trip = (%v, %v), want (13.4, 52.5)", lon, lat)
	}
}

func TestParseProjection(t *testing.T) {
	p, err := ParseProjection("+proj=utm +zone=33 +south +ellps=WGS84 +datum=WGS84 +units=m +no_defs")
	if err != nil {
		t.Fatalf("ParseProjection error: %v", err)
	}
	utm, ok := p.(UTMProjection)
	if !ok || utm.Zone != 33 || !utm.South {
		t.Fatalf("projection = %#v, want UTM zone 33 south", p)
	}
	if p, _ := ParseProjection("!"); p != (IdentityProjection{}) {
		t.Fatalf("ParseProjection(!) = %#v, want identity", p)
	}
	if _, err := ParseProjection("+proj=lcc"); err == nil {
		t.Fatalf("expected error for unsupported projection")
	}
}

func TestNetworkOffsetConversion(t *testing.T) {
	n := NewNetwork(UTMProjection{Zone: 32}, orb.Point{-365000, -5622000})
	p := n.LonLatToXY(7.0982, 50.7374)
	lon, lat := n.XYToLonLat(p)
	if math.Abs(lon-7.0982) > 1e-6 || math.Abs(lat-50.7374) > 1e-6 {
		t.Fatalf("XYToLonLat = (%v, %v), want (7.0982, 50.7374)", lon, lat)
	}
}
