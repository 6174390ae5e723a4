package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"

	"geoTransform/api/dto"
	"geoTransform/api/middleware"
	"geoTransform/api/models"
	"geoTransform/api/repository"
	"geoTransform/api/service"
	"geoTransform/api/validation"
	"geoTransform/worker/output"
	"geoTransform/worker/pool"
)

type mockTicketService struct {
	transformFunc   func(ctx context.Context, req *validation.Request) (*service.Outcome, error)
	getStatusFunc   func(ctx context.Context, id string) (*models.Ticket, error)
	getResourceFunc func(ctx context.Context, id string) (string, error)
}

func (m *mockTicketService) Transform(ctx context.Context, req *validation.Request) (*service.Outcome, error) {
	if m.transformFunc != nil {
		return m.transformFunc(ctx, req)
	}
	return &service.Outcome{Mode: req.Mode, Ticket: "t", FilePath: "261018/t.tar.gz"}, nil
}

func (m *mockTicketService) GetStatus(ctx context.Context, id string) (*models.Ticket, error) {
	if m.getStatusFunc != nil {
		return m.getStatusFunc(ctx, id)
	}
	return nil, repository.ErrTicketNotFound
}

func (m *mockTicketService) GetResource(ctx context.Context, id string) (string, error) {
	if m.getResourceFunc != nil {
		return m.getResourceFunc(ctx, id)
	}
	return "", repository.ErrTicketNotFound
}

func serve(t *testing.T, svc TicketService, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	handler := NewTicketHandler(svc, 1<<20, zaptest.NewLogger(t))
	mux := http.NewServeMux()
	handler.Register(mux)

	traceID := uuid.New().String()
	req.Header.Set(middleware.TraceIDHeader, traceID)
	req = req.WithContext(middleware.WithTraceID(req.Context(), traceID))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func multipartBody(t *testing.T, fields map[string]string, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			t.Fatalf("Failed to write field: %v", err)
		}
	}
	if filename != "" {
		part, err := writer.CreateFormFile("resource", filename)
		if err != nil {
			t.Fatalf("Failed to create form file: %v", err)
		}
		if _, err := part.Write(content); err != nil {
			t.Fatalf("Failed to write form file: %v", err)
		}
	}
	writer.Close()
	return body, writer.FormDataContentType()
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) dto.ErrorResponse {
	t.Helper()
	var body dto.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode error body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestTicketHandler_Index(t *testing.T) {
	rec := serve(t, &mockTicketService{}, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	var body map[string]map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode index: %v", err)
	}
	if _, ok := body["POST"]["/transform"]; !ok {
		t.Errorf("Expected /transform in index, got %v", body)
	}
}

func TestTicketHandler_Transform_ValidationErrorsJoined(t *testing.T) {
	form := url.Values{"src_type": {"mesh"}, "to": {"nowhere"}}
	req := httptest.NewRequest(http.MethodPost, "/transform", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	called := false
	rec := serve(t, &mockTicketService{
		transformFunc: func(ctx context.Context, req *validation.Request) (*service.Outcome, error) {
			called = true
			return nil, nil
		},
	}, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", rec.Code)
	}
	if called {
		t.Error("Service must not be called for invalid requests")
	}
	body := decodeError(t, rec)
	want := strings.Join([]string{
		validation.ErrTargetCRS.Error(),
		validation.ErrSrcType.Error(),
		validation.ErrMissingResource.Error(),
	}, " / ")
	if body.Error != want {
		t.Errorf("Expected error %q, got %q", want, body.Error)
	}
	if body.TraceID == "" {
		t.Error("Expected trace id in error body")
	}
}

func TestTicketHandler_Transform_PromptFilePath(t *testing.T) {
	src := filepath.Join(t.TempDir(), "roads.geojson")
	if err := os.WriteFile(src, []byte(`{}`), 0644); err != nil {
		t.Fatal(err)
	}
	query := url.Values{"src_type": {"vector"}, "resource": {src}}
	req := httptest.NewRequest(http.MethodPost, "/transform?"+query.Encode(), nil)

	var got *validation.Request
	rec := serve(t, &mockTicketService{
		transformFunc: func(ctx context.Context, req *validation.Request) (*service.Outcome, error) {
			got = req
			return &service.Outcome{Mode: req.Mode, Ticket: "t", FilePath: "261018/t.tar.gz"}, nil
		},
	}, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got == nil || got.Path != src || got.Mode != validation.ModePrompt {
		t.Errorf("Unexpected request passed to service: %+v", got)
	}
	var body dto.FilePathResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.FilePath != "261018/t.tar.gz" {
		t.Errorf("Expected filepath 261018/t.tar.gz, got %q", body.FilePath)
	}
}

func TestTicketHandler_Transform_PromptStream(t *testing.T) {
	artifact := filepath.Join(t.TempDir(), "t.tar.gz")
	if err := os.WriteFile(artifact, []byte("packed"), 0644); err != nil {
		t.Fatal(err)
	}

	body, contentType := multipartBody(t, map[string]string{"src_type": "vector"}, "a.geojson", []byte(`{"type":"FeatureCollection","features":[]}`))
	req := httptest.NewRequest(http.MethodPost, "/transform", body)
	req.Header.Set("Content-Type", contentType)

	rec := serve(t, &mockTicketService{
		transformFunc: func(ctx context.Context, req *validation.Request) (*service.Outcome, error) {
			if !req.FromUpload() {
				t.Error("Expected upload request")
			}
			return &service.Outcome{Mode: req.Mode, Ticket: "t", ArtifactPath: artifact}, nil
		},
	}, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "packed" {
		t.Errorf("Expected artifact bytes, got %q", rec.Body.String())
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "t.tar.gz") {
		t.Errorf("Expected attachment header, got %q", cd)
	}
}

func TestTicketHandler_Transform_Deferred(t *testing.T) {
	body, contentType := multipartBody(t, map[string]string{"src_type": "vector", "response": "deferred"}, "a.csv", []byte("WKT\n\"POINT (1 2)\"\n"))
	req := httptest.NewRequest(http.MethodPost, "/transform", body)
	req.Header.Set("Content-Type", contentType)

	rec := serve(t, &mockTicketService{
		transformFunc: func(ctx context.Context, req *validation.Request) (*service.Outcome, error) {
			return &service.Outcome{Mode: req.Mode, Ticket: "abc", Endpoint: "/resource/abc", Status: "/status/abc"}, nil
		},
	}, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["ticket"] != "abc" || resp["endpoint"] != "/resource/abc" || resp["status"] != "/status/abc" {
		t.Errorf("Unexpected deferred body %v", resp)
	}
	if _, ok := resp["filepath"]; ok {
		t.Errorf("Upload response must not carry filepath: %v", resp)
	}
}

func TestTicketHandler_Transform_ServiceErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"transform failure", &service.TransformError{Err: errors.New("file driver not supported")}, http.StatusBadRequest},
		{"shutting down", fmt.Errorf("submit job: %w", pool.ErrPoolClosed), http.StatusServiceUnavailable},
		{"store down", errors.New("database is locked"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body, contentType := multipartBody(t, map[string]string{"src_type": "vector"}, "a.geojson", []byte(`{}`))
			req := httptest.NewRequest(http.MethodPost, "/transform", body)
			req.Header.Set("Content-Type", contentType)

			rec := serve(t, &mockTicketService{
				transformFunc: func(ctx context.Context, req *validation.Request) (*service.Outcome, error) {
					return nil, tc.err
				},
			}, req)

			if rec.Code != tc.want {
				t.Errorf("Expected status %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestTicketHandler_Transform_UploadTooLarge(t *testing.T) {
	body, contentType := multipartBody(t, map[string]string{"src_type": "vector"}, "a.csv", bytes.Repeat([]byte("a"), 2<<20))
	req := httptest.NewRequest(http.MethodPost, "/transform", body)
	req.Header.Set("Content-Type", contentType)

	rec := serve(t, &mockTicketService{}, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", rec.Code)
	}
}

func TestTicketHandler_Status_Success(t *testing.T) {
	success := false
	execTime := 1.5
	comment := "file driver not supported"
	requested := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

	rec := serve(t, &mockTicketService{
		getStatusFunc: func(ctx context.Context, id string) (*models.Ticket, error) {
			return &models.Ticket{
				ID:            id,
				RequestedAt:   requested,
				Status:        models.StatusCompleted,
				Success:       &success,
				ExecutionTime: &execTime,
				Comment:       &comment,
			}, nil
		},
	}, httptest.NewRequest(http.MethodGet, "/status/abc", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected Content-Type application/json, got %s", ct)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["completed"] != true || body["success"] != false {
		t.Errorf("Unexpected status body %v", body)
	}
	if body["requested"] != "2026-10-18T09:00:00Z" {
		t.Errorf("Unexpected requested %v", body["requested"])
	}
	if body["execution_time(s)"] != 1.5 || body["comment"] != comment {
		t.Errorf("Unexpected status body %v", body)
	}
}

func TestTicketHandler_Status_Pending(t *testing.T) {
	rec := serve(t, &mockTicketService{
		getStatusFunc: func(ctx context.Context, id string) (*models.Ticket, error) {
			return &models.Ticket{ID: id, RequestedAt: time.Now()}, nil
		},
	}, httptest.NewRequest(http.MethodGet, "/status/abc", nil))

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["completed"] != false || body["success"] != nil || body["execution_time(s)"] != nil {
		t.Errorf("Unexpected pending body %v", body)
	}
}

func TestTicketHandler_Status_NotFound(t *testing.T) {
	rec := serve(t, &mockTicketService{}, httptest.NewRequest(http.MethodGet, "/status/unknown-ticket", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rec.Code)
	}
}

func TestTicketHandler_Resource_Errors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"unknown", repository.ErrTicketNotFound, http.StatusNotFound},
		{"not ready", service.ErrResultNotReady, http.StatusNotFound},
		{"missing on disk", fmt.Errorf("%w: 261018/x.tar.gz", output.ErrArtifactMissing), http.StatusInsufficientStorage},
		{"store down", errors.New("database is locked"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := serve(t, &mockTicketService{
				getResourceFunc: func(ctx context.Context, id string) (string, error) {
					return "", tc.err
				},
			}, httptest.NewRequest(http.MethodGet, "/resource/abc", nil))

			if rec.Code != tc.want {
				t.Errorf("Expected status %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestTicketHandler_Resource_Streams(t *testing.T) {
	artifact := filepath.Join(t.TempDir(), "abc.tar.gz")
	if err := os.WriteFile(artifact, []byte("packed"), 0644); err != nil {
		t.Fatal(err)
	}

	rec := serve(t, &mockTicketService{
		getResourceFunc: func(ctx context.Context, id string) (string, error) {
			return artifact, nil
		},
	}, httptest.NewRequest(http.MethodGet, "/resource/abc", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if rec.Body.String() != "packed" {
		t.Errorf("Expected artifact bytes, got %q", rec.Body.String())
	}
}
