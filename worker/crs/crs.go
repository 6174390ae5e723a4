// Package crs parses coordinate reference system identifiers and builds
// point projections between the systems the converter understands.
package crs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

const (
	WGS84       = 4326
	WebMercator = 3857
)

var ErrUnrecognized = errors.New("unrecognized crs")

// aliases maps deprecated or vendor codes onto the canonical EPSG code.
var aliases = map[int]int{
	4326:   WGS84,
	3857:   WebMercator,
	900913: WebMercator,
	3785:   WebMercator,
	102100: WebMercator,
	102113: WebMercator,
}

var names = map[string]int{
	"WGS84":           WGS84,
	"WGS 84":          WGS84,
	"CRS84":           WGS84,
	"OGC:CRS84":       WGS84,
	"WEBMERCATOR":     WebMercator,
	"WEB MERCATOR":    WebMercator,
	"PSEUDO-MERCATOR": WebMercator,

	"URN:OGC:DEF:CRS:OGC:1.3:CRS84":                 WGS84,
	"URN:OGC:DEF:CRS:OGC::CRS84":                    WGS84,
	"HTTP://WWW.OPENGIS.NET/DEF/CRS/OGC/1.3/CRS84":  WGS84,
	"HTTPS://WWW.OPENGIS.NET/DEF/CRS/OGC/1.3/CRS84": WGS84,
}

// Parse resolves user input such as "EPSG:3857", "4326", "WGS84",
// "urn:ogc:def:crs:EPSG::4326" or an opengis.net URI to an EPSG code.
func Parse(input string) (int, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return 0, ErrUnrecognized
	}

	upper := strings.ToUpper(s)
	if code, ok := names[upper]; ok {
		return code, nil
	}

	var digits string
	switch {
	case strings.HasPrefix(upper, "EPSG:"):
		digits = s[len("EPSG:"):]
	case strings.HasPrefix(upper, "URN:OGC:DEF:CRS:EPSG:"):
		digits = s[strings.LastIndex(s, ":")+1:]
	case strings.HasPrefix(upper, "HTTP://WWW.OPENGIS.NET/DEF/CRS/EPSG/"),
		strings.HasPrefix(upper, "HTTPS://WWW.OPENGIS.NET/DEF/CRS/EPSG/"):
		digits = s[strings.LastIndex(s, "/")+1:]
	default:
		digits = s
	}

	n, err := strconv.Atoi(strings.TrimSpace(digits))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnrecognized, input)
	}
	code, ok := aliases[n]
	if !ok {
		return 0, fmt.Errorf("%w: EPSG:%d", ErrUnrecognized, n)
	}
	return code, nil
}

// URN renders code in the OGC URN form used by legacy GeoJSON "crs" members.
func URN(code int) string {
	return fmt.Sprintf("urn:ogc:def:crs:EPSG::%d", code)
}

// Projection returns the point projection from one code to another.
// Equal codes yield a nil projection, meaning no transformation is needed.
func Projection(from, to int) (orb.Projection, error) {
	src, ok := aliases[from]
	if !ok {
		return nil, fmt.Errorf("%w: source EPSG:%d", ErrUnrecognized, from)
	}
	dst, ok := aliases[to]
	if !ok {
		return nil, fmt.Errorf("%w: target EPSG:%d", ErrUnrecognized, to)
	}

	switch {
	case src == dst:
		return nil, nil
	case src == WGS84 && dst == WebMercator:
		return project.WGS84.ToMercator, nil
	case src == WebMercator && dst == WGS84:
		return project.Mercator.ToWGS84, nil
	}
	return nil, fmt.Errorf("no projection from EPSG:%d to EPSG:%d", src, dst)
}
