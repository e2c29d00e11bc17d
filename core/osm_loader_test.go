package core

import (
	"context"
	"math"
	"path/filepath"
	"testing"
)

func TestLoadOSMNetworkFile(t *testing.T) {
	net, err := LoadOSMNetworkFile(context.Background(), filepath.Join("testdata", "junction.osm"), OSMOptions{})
	if err != nil {
		t.Fatalf("LoadOSMNetworkFile error: %v", err)
	}

	nodes, edges, _, signals := net.Stats()
	if nodes != 4 || edges != 5 || signals != 1 {
		t.Fatalf("Stats = (%d nodes, %d edges, %d signals), want (4, 5, 1)", nodes, edges, signals)
	}
	for _, id := range []string{"10#0", "-10#0", "10#1", "-10#1", "11#0"} {
		if net.Edge(id) == nil {
			t.Fatalf("edge %s missing", id)
		}
	}
	if net.Edge("-11#0") != nil {
		t.Fatalf("oneway way 11 must not get a reverse edge")
	}
	// Way 10 is split at the signal only; node 5 stays inside the shape.
	if shape := net.Edge("10#1").Shape; len(shape) != 3 {
		t.Fatalf("10#1 shape has %d points, want 3", len(shape))
	}
	if v := net.Edge("10#0").Speed(); math.Abs(v-50/3.6) > 1e-9 {
		t.Fatalf("10#0 speed = %v, want maxspeed 50 km/h", v)
	}

	tls := net.Signal("2")
	if tls == nil || tls.DefaultProgramID != "0" {
		t.Fatalf("signal 2 = %#v, want controller with default program 0", tls)
	}
	if len(tls.Connections) != 4 {
		t.Fatalf("signal 2 connections = %d, want 4 (u-turns excluded)", len(tls.Connections))
	}

	// Westmost, southmost node sits at the local origin.
	if p := net.Node("1").Pos; math.Abs(p[0]) > 1e-6 || math.Abs(p[1]) > 1e-6 {
		t.Fatalf("node 1 at %v, want origin", p)
	}
	lon, lat := net.XYToLonLat(net.Node("4").Pos)
	if math.Abs(lon-7.001) > 1e-9 || math.Abs(lat-50.001) > 1e-9 {
		t.Fatalf("node 4 = (%v, %v), want (7.001, 50.001)", lon, lat)
	}
}

func TestLoadOSMNetworkFileRejectsUnknownExtension(t *testing.T) {
	if _, err := LoadOSMNetworkFile(context.Background(), filepath.Join("testdata", "junction.sumocfg"), OSMOptions{}); err == nil {
		t.Fatalf("expected error for unsupported extension")
	}
}

func TestParseMaxSpeed(t *testing.T) {
	cases := map[string]float64{
		"50":      50 / 3.6,
		"30 mph":  30 * 0.44704,
		"70 km/h": 70 / 3.6,
		"none":    0,
		"":        0,
	}
	for in, want := range cases {
		if got := parseMaxSpeed(in); math.Abs(got-want) > 1e-9 {
			t.Fatalf("parseMaxSpeed(%q) = %v, want %v", in, got, want)
		}
	}
}
