package handlers

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"geoTransform/api/middleware"
	"geoTransform/api/repository"
	"geoTransform/api/service"
	"geoTransform/worker/converter"
	"geoTransform/worker/output"
	"geoTransform/worker/pool"
	workersvc "geoTransform/worker/service"
)

const pointsGeoJSON = `{"type":"FeatureCollection","features":[
{"type":"Feature","properties":{"name":"a"},"geometry":{"type":"Point","coordinates":[10,20]}}
]}`

type stack struct {
	server *httptest.Server
	area   *output.Area
}

func newStack(t *testing.T) *stack {
	t.Helper()
	logger := zaptest.NewLogger(t)

	store, err := repository.Open(context.Background(), filepath.Join(t.TempDir(), "transform.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	area := output.NewArea(t.TempDir())
	proc := workersvc.NewProcessor(converter.NewConverter(logger), t.TempDir(), logger)
	completion := workersvc.NewCompletionHandler(store, area, logger, workersvc.WithCleanup(proc.Cleanup))
	workers := pool.NewWorkerPool(2, proc.Run, completion.Complete, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		workers.Shutdown(ctx)
	})

	svc := service.NewTicketService(store, proc, workers, area, logger)
	mux := http.NewServeMux()
	NewTicketHandler(svc, 8<<20, logger).Register(mux)

	server := httptest.NewServer(middleware.Chain(mux,
		middleware.TraceID,
		middleware.Logging(logger),
		middleware.Recovery(logger),
	))
	t.Cleanup(server.Close)

	return &stack{server: server, area: area}
}

func tarEntries(t *testing.T, r io.Reader) map[string][]byte {
	t.Helper()
	gz, err := gzip.NewReader(r)
	require.NoError(t, err)
	defer gz.Close()

	entries := make(map[string][]byte)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		entries[filepath.Base(hdr.Name)] = data
	}
	return entries
}

func TestE2E_PromptUploadStreamsProjectedLayer(t *testing.T) {
	s := newStack(t)

	body, contentType := multipartBody(t, map[string]string{
		"src_type": "vector",
		"to":       "EPSG:3857",
	}, "points.geojson", []byte(pointsGeoJSON))

	resp, err := http.Post(s.server.URL+"/transform", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/gzip", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get(middleware.TraceIDHeader))

	entries := tarEntries(t, resp.Body)
	layer, ok := entries["points.geojson"]
	require.True(t, ok, "entries: %v", entries)
	assert.Contains(t, string(layer), "1113194.9")
}

func TestE2E_DeferredServerPath(t *testing.T) {
	s := newStack(t)

	src := filepath.Join(t.TempDir(), "points.geojson")
	require.NoError(t, os.WriteFile(src, []byte(pointsGeoJSON), 0644))

	query := url.Values{
		"src_type": {"vector"},
		"response": {"deferred"},
		"to":       {"EPSG:3857"},
		"format":   {"CSV"},
		"resource": {src},
	}
	resp, err := http.Post(s.server.URL+"/transform?"+query.Encode(), "application/x-www-form-urlencoded", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var accepted map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	ticket := accepted["ticket"]
	require.Len(t, ticket, 32)
	assert.Equal(t, s.area.RelPath(ticket+".tar.gz"), accepted["filepath"])

	var status map[string]any
	require.Eventually(t, func() bool {
		r, err := http.Get(s.server.URL + "/status/" + ticket)
		if err != nil {
			return false
		}
		defer r.Body.Close()
		status = nil
		if json.NewDecoder(r.Body).Decode(&status) != nil {
			return false
		}
		return status["completed"] == true
	}, 10*time.Second, 20*time.Millisecond)

	assert.Equal(t, true, status["success"], "status: %v", status)
	assert.Nil(t, status["comment"])
	assert.FileExists(t, filepath.Join(s.area.Root(), accepted["filepath"]))

	r, err := http.Get(s.server.URL + "/resource/" + ticket)
	require.NoError(t, err)
	defer r.Body.Close()
	require.Equal(t, http.StatusOK, r.StatusCode)

	entries := tarEntries(t, r.Body)
	csv, ok := entries["points.csv"]
	require.True(t, ok, "entries: %v", entries)
	assert.True(t, strings.HasPrefix(string(csv), "WKT"), "csv: %s", csv)
	assert.Contains(t, string(csv), "1113194.9")
	assert.NotContains(t, string(csv), "POINT(10 20)")
}

func TestE2E_RejectsMismatchedUpload(t *testing.T) {
	s := newStack(t)

	png := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 64)...)
	body, contentType := multipartBody(t, map[string]string{"src_type": "vector"}, "tile.png", png)

	resp, err := http.Post(s.server.URL+"/transform", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var e map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	assert.Contains(t, e["Error"], "does not match src_type")
}

func TestE2E_UnknownTicket(t *testing.T) {
	s := newStack(t)

	for _, path := range []string{"/status/unknown-ticket", "/resource/unknown-ticket"} {
		resp, err := http.Get(s.server.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}
