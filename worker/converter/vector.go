package converter

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/project"
	"go.uber.org/zap"

	"geoTransform/worker/crs"
)

// layer is a decoded vector source with its declared CRS (zero when the
// source says nothing).
type layer struct {
	fc  *geojson.FeatureCollection
	crs int
}

func (c *Converter) transformVector(input, targetDir string, opts Options) error {
	src, srcDriver, err := readVector(input)
	if err != nil {
		return err
	}

	driver := srcDriver
	if opts.Format != "" {
		d, ok := LookupDriver(Vector, opts.Format)
		if !ok {
			return fmt.Errorf("unsupported driver for output format %s", opts.Format)
		}
		driver = d
	}

	from := src.crs
	if opts.SourceCRS != 0 {
		from = opts.SourceCRS
	}
	if from == 0 {
		from = crs.WGS84
	}
	to := from
	if opts.TargetCRS != 0 {
		to = opts.TargetCRS
	}

	proj, err := crs.Projection(from, to)
	if err != nil {
		return err
	}

	features := src.fc.Features[:0]
	for _, f := range src.fc.Features {
		if f.Geometry == nil {
			continue
		}
		if proj != nil {
			f.Geometry = project.Geometry(f.Geometry, proj)
		}
		features = append(features, f)
	}
	src.fc.Features = features
	if proj != nil {
		src.fc.BBox = nil
	}

	c.logger.Debug("Writing vector layer",
		zap.Int("features", len(src.fc.Features)),
		zap.String("driver", driver.Name),
		zap.Int("crs", to),
	)

	out := filepath.Join(targetDir, baseName(input)+driver.Extension())
	switch driver.Name {
	case "GeoJSON":
		return writeGeoJSON(out, src.fc, to)
	case "CSV":
		return writeCSV(out, src.fc)
	}
	return fmt.Errorf("unsupported driver for output format %s", driver.Name)
}

func readVector(path string) (*layer, Driver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Driver{}, fmt.Errorf("read source: %w", err)
	}

	driver, ok := DriverForPath(Vector, path)
	if !ok {
		if looksLikeJSON(data) {
			driver, _ = LookupDriver(Vector, "GeoJSON")
		} else {
			driver, _ = LookupDriver(Vector, "CSV")
		}
	}

	var l *layer
	switch driver.Name {
	case "GeoJSON":
		l, err = decodeGeoJSON(data)
	case "CSV":
		l, err = decodeCSV(data)
	}
	if err != nil {
		return nil, Driver{}, err
	}
	return l, driver, nil
}

func looksLikeJSON(data []byte) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n\xef\xbb\xbf")
	return len(trimmed) > 0 && trimmed[0] == '{'
}

type geoJSONHeader struct {
	Type string `json:"type"`
	CRS  *struct {
		Properties struct {
			Name string `json:"name"`
		} `json:"properties"`
	} `json:"crs"`
}

func decodeGeoJSON(data []byte) (*layer, error) {
	var hdr geoJSONHeader
	if err := json.Unmarshal(data, &hdr); err != nil || hdr.Type == "" {
		return nil, ErrUnsupportedSource
	}

	l := &layer{}
	if hdr.CRS != nil && hdr.CRS.Properties.Name != "" {
		code, err := crs.Parse(hdr.CRS.Properties.Name)
		if err != nil {
			return nil, fmt.Errorf("source crs: %w", err)
		}
		l.crs = code
	}

	switch hdr.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, fmt.Errorf("decode geojson: %w", err)
		}
		l.fc = fc
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, fmt.Errorf("decode geojson: %w", err)
		}
		l.fc = geojson.NewFeatureCollection().Append(f)
	default:
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, fmt.Errorf("decode geojson: %w", err)
		}
		l.fc = geojson.NewFeatureCollection().Append(geojson.NewFeature(g.Geometry()))
	}
	return l, nil
}

var (
	wktColumns = []string{"wkt", "geometry", "geom", "the_geom"}
	xColumns   = []string{"x", "lon", "lng", "longitude"}
	yColumns   = []string{"y", "lat", "latitude"}
)

func columnIndex(header []string, names []string) int {
	for i, h := range header {
		for _, n := range names {
			if strings.EqualFold(strings.TrimSpace(h), n) {
				return i
			}
		}
	}
	return -1
}

func decodeCSV(data []byte) (*layer, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, ErrUnsupportedSource
	}

	geomCol := columnIndex(header, wktColumns)
	xCol, yCol := columnIndex(header, xColumns), columnIndex(header, yColumns)
	if geomCol < 0 && (xCol < 0 || yCol < 0) {
		return nil, fmt.Errorf("%w: csv has no geometry column", ErrUnsupportedSource)
	}

	fc := geojson.NewFeatureCollection()
	for line := 2; ; line++ {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode csv: %w", err)
		}

		var geom orb.Geometry
		if geomCol >= 0 {
			text := strings.TrimSpace(field(record, geomCol))
			if text == "" {
				// rows without geometry carry nothing to transform
				continue
			}
			if geom, err = wkt.Unmarshal(text); err != nil {
				return nil, fmt.Errorf("decode csv line %d: %w", line, err)
			}
		} else {
			x, errX := strconv.ParseFloat(strings.TrimSpace(field(record, xCol)), 64)
			y, errY := strconv.ParseFloat(strings.TrimSpace(field(record, yCol)), 64)
			if errX != nil || errY != nil {
				return nil, fmt.Errorf("decode csv line %d: invalid coordinates", line)
			}
			geom = orb.Point{x, y}
		}

		f := geojson.NewFeature(geom)
		for i, name := range header {
			if i == geomCol || (geomCol < 0 && (i == xCol || i == yCol)) {
				continue
			}
			f.Properties[name] = field(record, i)
		}
		fc.Append(f)
	}
	return &layer{fc: fc}, nil
}

func field(record []string, i int) string {
	if i < 0 || i >= len(record) {
		return ""
	}
	return record[i]
}

func writeGeoJSON(path string, fc *geojson.FeatureCollection, code int) error {
	if code != crs.WGS84 {
		fc.ExtraMembers = geojson.Properties{
			"crs": map[string]interface{}{
				"type":       "name",
				"properties": map[string]string{"name": crs.URN(code)},
			},
		}
	} else {
		fc.ExtraMembers = nil
	}

	data, err := fc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode geojson: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// writeCSV stores geometries as WKT in the first column.
func writeCSV(path string, fc *geojson.FeatureCollection) error {
	keys := map[string]struct{}{}
	for _, f := range fc.Features {
		for k := range f.Properties {
			keys[k] = struct{}{}
		}
	}
	columns := make([]string, 0, len(keys))
	for k := range keys {
		columns = append(columns, k)
	}
	sort.Strings(columns)

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(file)
	if err := w.Write(append([]string{"WKT"}, columns...)); err != nil {
		file.Close()
		return err
	}
	for _, f := range fc.Features {
		row := make([]string, 0, len(columns)+1)
		if f.Geometry != nil {
			row = append(row, wkt.MarshalString(f.Geometry))
		} else {
			row = append(row, "")
		}
		for _, k := range columns {
			if v, ok := f.Properties[k]; ok && v != nil {
				row = append(row, fmt.Sprint(v))
			} else {
				row = append(row, "")
			}
		}
		if err := w.Write(row); err != nil {
			file.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
