package converter

import (
	"path/filepath"
	"strings"
)

type SourceType string

const (
	Vector SourceType = "vector"
	Raster SourceType = "raster"
)

// Driver is an output/input format, named after its GDAL short name.
type Driver struct {
	Name       string
	Type       SourceType
	Extensions []string
}

// Extension is the extension written for files produced by the driver.
func (d Driver) Extension() string {
	return d.Extensions[0]
}

var drivers = []Driver{
	{Name: "GeoJSON", Type: Vector, Extensions: []string{".geojson", ".json"}},
	{Name: "CSV", Type: Vector, Extensions: []string{".csv"}},
	{Name: "GTiff", Type: Raster, Extensions: []string{".tif", ".tiff"}},
	{Name: "PNG", Type: Raster, Extensions: []string{".png"}},
	{Name: "JPEG", Type: Raster, Extensions: []string{".jpg", ".jpeg"}},
	{Name: "GIF", Type: Raster, Extensions: []string{".gif"}},
	{Name: "BMP", Type: Raster, Extensions: []string{".bmp"}},
}

// LookupDriver finds a driver of the given type by case-insensitive name.
func LookupDriver(t SourceType, name string) (Driver, bool) {
	for _, d := range drivers {
		if d.Type == t && strings.EqualFold(d.Name, name) {
			return d, true
		}
	}
	return Driver{}, false
}

// DriverForPath picks a driver of the given type from the file extension.
func DriverForPath(t SourceType, path string) (Driver, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	for _, d := range drivers {
		if d.Type != t {
			continue
		}
		for _, e := range d.Extensions {
			if e == ext {
				return d, true
			}
		}
	}
	return Driver{}, false
}

// Drivers lists the drivers available for t.
func Drivers(t SourceType) []Driver {
	var out []Driver
	for _, d := range drivers {
		if d.Type == t {
			out = append(out, d)
		}
	}
	return out
}
