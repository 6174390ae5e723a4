package converter

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"geoTransform/worker/crs"
)

// maxMercatorLat bounds latitudes before projecting into Web Mercator.
const maxMercatorLat = 85.0511287798066

// worldFile holds the six ESRI world file parameters. X and Y locate the
// centre of the upper-left pixel.
type worldFile struct {
	PixelX, RotY, RotX, PixelY, X, Y float64
}

func (w worldFile) toMap(col, row float64) orb.Point {
	return orb.Point{w.X + col*w.PixelX, w.Y + row*w.PixelY}
}

func (w worldFile) toPixel(p orb.Point) (float64, float64) {
	return (p[0] - w.X) / w.PixelX, (p[1] - w.Y) / w.PixelY
}

func (c *Converter) transformRaster(ctx context.Context, input, targetDir string, opts Options) error {
	driver, ok := DriverForPath(Raster, input)
	if !ok {
		d, err := sniffRasterDriver(input)
		if err != nil {
			return err
		}
		driver = d
	}
	if opts.Format != "" {
		d, ok := LookupDriver(Raster, opts.Format)
		if !ok {
			return fmt.Errorf("unsupported driver for output format %s", opts.Format)
		}
		driver = d
	}

	src, err := imaging.Open(input)
	if err != nil {
		return ErrUnsupportedSource
	}

	geo, hasGeo, err := readWorldFile(input)
	if err != nil {
		return err
	}

	img := imaging.Clone(src)
	from := opts.SourceCRS
	if from == 0 {
		from = crs.WGS84
	}

	if opts.TargetCRS != 0 && opts.TargetCRS != from {
		if !hasGeo {
			return fmt.Errorf("raster %s has no world file to reproject from", filepath.Base(input))
		}
		img, geo, err = c.warp(ctx, img, geo, from, opts.TargetCRS)
		if err != nil {
			return err
		}
	}

	out := filepath.Join(targetDir, baseName(input)+driver.Extension())
	var saveErr error
	if driver.Name == "JPEG" {
		saveErr = imaging.Save(img, out, imaging.JPEGQuality(85))
	} else {
		saveErr = imaging.Save(img, out)
	}
	if saveErr != nil {
		return fmt.Errorf("save raster: %w", saveErr)
	}

	if hasGeo {
		if err := writeWorldFile(worldFilePath(out), geo); err != nil {
			return fmt.Errorf("write world file: %w", err)
		}
	}
	return nil
}

// warp resamples img into the target CRS with nearest-neighbour lookup,
// keeping the pixel dimensions of the source.
func (c *Converter) warp(ctx context.Context, img *image.NRGBA, geo worldFile, from, to int) (*image.NRGBA, worldFile, error) {
	if geo.RotX != 0 || geo.RotY != 0 {
		return nil, geo, fmt.Errorf("rotated rasters cannot be reprojected")
	}
	forward, err := crs.Projection(from, to)
	if err != nil {
		return nil, geo, err
	}
	inverse, err := crs.Projection(to, from)
	if err != nil {
		return nil, geo, err
	}

	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	clamp := func(p orb.Point) orb.Point {
		if to == crs.WebMercator {
			p[1] = math.Max(-maxMercatorLat, math.Min(maxMercatorLat, p[1]))
		}
		return p
	}

	// Sample the outline of the source to find the target extent.
	const steps = 32
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for i := 0; i <= steps; i++ {
		f := float64(i) / steps
		edge := []orb.Point{
			geo.toMap(f*float64(w)-0.5, -0.5),
			geo.toMap(f*float64(w)-0.5, float64(h)-0.5),
			geo.toMap(-0.5, f*float64(h)-0.5),
			geo.toMap(float64(w)-0.5, f*float64(h)-0.5),
		}
		for _, p := range edge {
			q := forward(clamp(p))
			minX, maxX = math.Min(minX, q[0]), math.Max(maxX, q[0])
			minY, maxY = math.Min(minY, q[1]), math.Max(maxY, q[1])
		}
	}
	if math.IsInf(minX, 0) || math.IsNaN(minX) || maxX <= minX || maxY <= minY {
		return nil, geo, fmt.Errorf("raster extent cannot be projected")
	}

	pixelX := (maxX - minX) / float64(w)
	pixelY := -(maxY - minY) / float64(h)
	target := worldFile{
		PixelX: pixelX,
		PixelY: pixelY,
		X:      minX + pixelX/2,
		Y:      maxY + pixelY/2,
	}

	c.logger.Debug("Warping raster",
		zap.Int("width", w),
		zap.Int("height", h),
		zap.Int("from", from),
		zap.Int("to", to),
	)

	dst := imaging.New(w, h, color.NRGBA{})
	for row := 0; row < h; row++ {
		if err := ctx.Err(); err != nil {
			return nil, geo, err
		}
		for col := 0; col < w; col++ {
			sc, sr := geo.toPixel(inverse(target.toMap(float64(col), float64(row))))
			x, y := int(math.Round(sc)), int(math.Round(sr))
			if x < 0 || y < 0 || x >= w || y >= h {
				continue
			}
			dst.SetNRGBA(col, row, img.NRGBAAt(x, y))
		}
	}
	return dst, target, nil
}

func sniffRasterDriver(path string) (Driver, error) {
	f, err := os.Open(path)
	if err != nil {
		return Driver{}, err
	}
	defer f.Close()

	_, format, err := image.DecodeConfig(f)
	if err != nil {
		return Driver{}, ErrUnsupportedSource
	}
	names := map[string]string{"png": "PNG", "jpeg": "JPEG", "gif": "GIF", "bmp": "BMP", "tiff": "GTiff"}
	d, ok := LookupDriver(Raster, names[format])
	if !ok {
		return Driver{}, ErrUnsupportedSource
	}
	return d, nil
}

// worldFilePath derives the conventional sidecar name: first and last
// letter of the extension followed by "w" (.tif -> .tfw, .png -> .pgw).
func worldFilePath(imagePath string) string {
	ext := strings.TrimPrefix(filepath.Ext(imagePath), ".")
	base := strings.TrimSuffix(imagePath, filepath.Ext(imagePath))
	if len(ext) < 2 {
		return base + ".wld"
	}
	return base + "." + ext[:1] + ext[len(ext)-1:] + "w"
}

func readWorldFile(imagePath string) (worldFile, bool, error) {
	ext := filepath.Ext(imagePath)
	base := strings.TrimSuffix(imagePath, ext)
	candidates := []string{worldFilePath(imagePath), imagePath + "w", base + ".wld"}

	for _, p := range candidates {
		f, err := os.Open(p)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return worldFile{}, false, err
		}
		w, err := parseWorldFile(f)
		f.Close()
		if err != nil {
			return worldFile{}, false, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		return w, true, nil
	}
	return worldFile{}, false, nil
}

func parseWorldFile(f *os.File) (worldFile, error) {
	var values []float64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() && len(values) < 6 {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		v, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return worldFile{}, fmt.Errorf("invalid world file value %q", line)
		}
		values = append(values, v)
	}
	if err := scanner.Err(); err != nil {
		return worldFile{}, err
	}
	if len(values) != 6 {
		return worldFile{}, fmt.Errorf("world file needs 6 values, got %d", len(values))
	}
	if values[0] == 0 || values[3] == 0 {
		return worldFile{}, fmt.Errorf("world file has zero pixel size")
	}
	return worldFile{
		PixelX: values[0],
		RotY:   values[1],
		RotX:   values[2],
		PixelY: values[3],
		X:      values[4],
		Y:      values[5],
	}, nil
}

func writeWorldFile(path string, w worldFile) error {
	content := fmt.Sprintf("%s\n%s\n%s\n%s\n%s\n%s\n",
		formatFloat(w.PixelX), formatFloat(w.RotY), formatFloat(w.RotX),
		formatFloat(w.PixelY), formatFloat(w.X), formatFloat(w.Y))
	return os.WriteFile(path, []byte(content), 0644)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
