package core

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
	"github.com/wroge/wgs84"
)

// Projection maps geographic coordinates (degrees) to planar metres and
// back. The network offset is applied on top by Network.
type Projection interface {
	Forward(lon, lat float64) (x, y float64)
	Inverse(x, y float64) (lon, lat float64)
}

// IdentityProjection leaves coordinates untouched. It is used for
// networks that carry no geo reference ("!" in net files) and in tests.
type IdentityProjection struct{}

func (IdentityProjection) Forward(lon, lat float64) (float64, float64) { return lon, lat }
func (IdentityProjection) Inverse(x, y float64) (float64, float64)     { return x, y }

// MercatorProjection is spherical web mercator (EPSG:3857).
type MercatorProjection struct{}

func (MercatorProjection) Forward(lon, lat float64) (float64, float64) {
	p := project.WGS84.ToMercator(orb.Point{lon, lat})
	return p[0], p[1]
}

func (MercatorProjection) Inverse(x, y float64) (float64, float64) {
	p := project.Mercator.ToWGS84(orb.Point{x, y})
	return p[0], p[1]
}

// UTMProjection is a transverse mercator projection on the WGS84
// ellipsoid for one UTM zone. The zone is fixed by the net file, so points
// beyond the zone border stay in it.
type UTMProjection struct {
	Zone  int
	South bool
}

func (p UTMProjection) Forward(lon, lat float64) (float64, float64) {
	x, y, _ := wgs84.LonLat().To(wgs84.UTM(float64(p.Zone), !p.South))(lon, lat, 0)
	return x, y
}

func (p UTMProjection) Inverse(x, y float64) (float64, float64) {
	lon, lat, _ := wgs84.UTM(float64(p.Zone), !p.South).To(wgs84.LonLat())(x, y, 0)
	return lon, lat
}

// ParseProjection interprets the proj parameter string of a net file.
// Supported are "!" (no projection), "+proj=utm" with a zone and
// "+proj=merc".
func ParseProjection(param string) (Projection, error) {
	param = strings.TrimSpace(param)
	if param == "" || param == "!" {
		return IdentityProjection{}, nil
	}
	opts := make(map[string]string)
	for _, tok := range strings.Fields(param) {
		tok = strings.TrimPrefix(tok, "+")
		k, v, _ := strings.Cut(tok, "=")
		opts[k] = v
	}
	switch opts["proj"] {
	case "utm":
		zone, err := strconv.Atoi(opts["zone"])
		if err != nil || zone < 1 || zone > 60 {
			return nil, fmt.Errorf("invalid utm zone in %q", param)
		}
		_, south := opts["south"]
		return UTMProjection{Zone: zone, South: south}, nil
	case "merc":
		return MercatorProjection{}, nil
	default:
		return nil, fmt.Errorf("unsupported projection %q", param)
	}
}
