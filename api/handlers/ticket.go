package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"geoTransform/api/dto"
	"geoTransform/api/metrics"
	"geoTransform/api/middleware"
	"geoTransform/api/models"
	"geoTransform/api/repository"
	"geoTransform/api/service"
	"geoTransform/api/validation"
	"geoTransform/worker/output"
	"geoTransform/worker/pool"
)

// multipartMemory is how much of a multipart body is held in memory
// before spilling to temporary files.
const multipartMemory = 32 << 20

type TicketService interface {
	Transform(ctx context.Context, req *validation.Request) (*service.Outcome, error)
	GetStatus(ctx context.Context, ticketID string) (*models.Ticket, error)
	GetResource(ctx context.Context, ticketID string) (string, error)
}

type TicketHandler struct {
	service   TicketService
	validator *validation.Validator
	maxBody   int64
	logger    *zap.Logger
}

func NewTicketHandler(service TicketService, maxUploadSize int64, logger *zap.Logger) *TicketHandler {
	return &TicketHandler{
		service:   service,
		validator: validation.New(maxUploadSize),
		maxBody:   maxUploadSize + multipartMemory,
		logger:    logger,
	}
}

func (h *TicketHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.Index)
	mux.HandleFunc("POST /transform", h.Transform)
	mux.HandleFunc("GET /status/{ticket}", h.Status)
	mux.HandleFunc("GET /resource/{ticket}", h.Resource)
}

// Index describes the endpoints.
func (h *TicketHandler) Index(w http.ResponseWriter, r *http.Request) {
	transformParams := map[string]string{
		"from":     "<CRS>",
		"to":       "<CRS>",
		"src_type": "<raster|vector>",
		"format":   "<driver short name>",
		"response": "<prompt|deferred>",
	}
	withPath := map[string]string{"resource": "<source file path>"}
	for k, v := range transformParams {
		withPath[k] = v
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"GET": map[string]any{
			"/status/{ticket}":   map[string]string{"response": "json"},
			"/resource/{ticket}": map[string]string{"response": "stream"},
		},
		"POST": map[string]any{
			"/transform": map[string]any{
				"params":   withPath,
				"body":     map[string]string{"resource": "stream"},
				"response": "json|stream",
			},
		},
	})
}

func (h *TicketHandler) Transform(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetTraceID(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)

	params, err := h.readParams(r)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			err = validation.ErrFileTooLarge
		}
		h.countRequest(params.Response, http.StatusBadRequest)
		h.handleError(w, err.Error(), err, traceID, http.StatusBadRequest)
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}
	if params.Upload != nil {
		if closer, ok := params.Upload.File.(interface{ Close() error }); ok {
			defer closer.Close()
		}
	}

	req, err := h.validator.Transform(params)
	if err != nil {
		h.countRequest(params.Response, http.StatusBadRequest)
		h.handleError(w, err.Error(), err, traceID, http.StatusBadRequest)
		return
	}

	out, err := h.service.Transform(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		message := "Transformation failed"
		var terr *service.TransformError
		switch {
		case errors.As(err, &terr):
			status, message = http.StatusBadRequest, terr.Error()
		case errors.Is(err, pool.ErrPoolClosed):
			status, message = http.StatusServiceUnavailable, "Service is shutting down"
		}
		h.countRequest(string(req.Mode), status)
		h.handleError(w, message, err, traceID, status)
		return
	}

	h.logger.Info("Transform accepted",
		zap.String("trace_id", traceID),
		zap.String("ticket", out.Ticket),
		zap.String("mode", string(out.Mode)),
	)

	switch {
	case out.Mode == validation.ModeDeferred:
		h.countRequest(string(out.Mode), http.StatusAccepted)
		h.respondJSON(w, http.StatusAccepted, dto.DeferredResponse{
			Ticket:   out.Ticket,
			Endpoint: out.Endpoint,
			Status:   out.Status,
			FilePath: out.FilePath,
		})
	case out.ArtifactPath != "":
		defer out.Release()
		h.countRequest(string(out.Mode), http.StatusOK)
		h.streamFile(w, r, out.ArtifactPath)
	default:
		h.countRequest(string(out.Mode), http.StatusOK)
		h.respondJSON(w, http.StatusOK, dto.FilePathResponse{FilePath: out.FilePath})
	}
}

// readParams collects the request parameters from the query string and
// the form body. An uploaded resource wins the "resource" field only if
// no path was given too; the validator rejects having both.
func (h *TicketHandler) readParams(r *http.Request) (validation.Params, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			return validation.Params{}, err
		}
	} else if err := r.ParseForm(); err != nil {
		return validation.Params{}, err
	}

	params := validation.Params{
		From:     r.FormValue("from"),
		To:       r.FormValue("to"),
		SrcType:  r.FormValue("src_type"),
		Format:   r.FormValue("format"),
		Response: r.FormValue("response"),
		Resource: r.FormValue("resource"),
	}

	if r.MultipartForm != nil && len(r.MultipartForm.File["resource"]) > 0 {
		header := r.MultipartForm.File["resource"][0]
		file, err := header.Open()
		if err != nil {
			return params, err
		}
		params.Upload = &validation.Upload{
			Filename: header.Filename,
			Size:     header.Size,
			File:     file,
		}
	}
	return params, nil
}

func (h *TicketHandler) Status(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetTraceID(r.Context())
	ticketID := r.PathValue("ticket")

	ticket, err := h.service.GetStatus(r.Context(), ticketID)
	if err != nil {
		if errors.Is(err, repository.ErrTicketNotFound) {
			h.handleError(w, "Not found", err, traceID, http.StatusNotFound)
			return
		}
		h.handleError(w, "Failed to get ticket status", err, traceID, http.StatusInternalServerError)
		return
	}

	h.respondJSON(w, http.StatusOK, toStatusResponse(ticket))
}

func (h *TicketHandler) Resource(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetTraceID(r.Context())
	ticketID := r.PathValue("ticket")

	path, err := h.service.GetResource(r.Context(), ticketID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrTicketNotFound), errors.Is(err, service.ErrResultNotReady):
			h.handleError(w, "Not found", err, traceID, http.StatusNotFound)
		case errors.Is(err, output.ErrArtifactMissing), errors.Is(err, output.ErrOutsideArea):
			h.handleError(w, "Resource does not exist", err, traceID, http.StatusInsufficientStorage)
		default:
			h.handleError(w, "Failed to get resource", err, traceID, http.StatusInternalServerError)
		}
		return
	}

	h.streamFile(w, r, path)
}

func (h *TicketHandler) streamFile(w http.ResponseWriter, r *http.Request, path string) {
	traceID := middleware.GetTraceID(r.Context())

	f, err := os.Open(path)
	if err != nil {
		h.handleError(w, "Failed to open resource", err, traceID, http.StatusInternalServerError)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		h.handleError(w, "Failed to open resource", err, traceID, http.StatusInternalServerError)
		return
	}

	name := filepath.Base(path)
	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func toStatusResponse(t *models.Ticket) dto.StatusResponse {
	return dto.StatusResponse{
		Completed:     t.Completed(),
		Success:       t.Success,
		Requested:     t.RequestedAt.UTC().Format(dto.RequestedLayout),
		ExecutionTime: t.ExecutionTime,
		Comment:       t.Comment,
	}
}

func (h *TicketHandler) countRequest(mode string, status int) {
	if mode != string(validation.ModeDeferred) {
		mode = string(validation.ModePrompt)
	}
	metrics.Requests.WithLabelValues(mode, strconv.Itoa(status)).Inc()
}

func (h *TicketHandler) handleError(w http.ResponseWriter, message string, err error, traceID string, status int) {
	log := h.logger.Error
	if status < http.StatusInternalServerError && status != http.StatusInsufficientStorage {
		log = h.logger.Warn
	}
	log(message,
		zap.String("trace_id", traceID),
		zap.Int("status", status),
		zap.Error(err),
	)

	h.respondJSON(w, status, dto.ErrorResponse{
		Error:   message,
		TraceID: traceID,
	})
}

func (h *TicketHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
