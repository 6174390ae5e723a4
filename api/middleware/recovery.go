package middleware

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"geoTransform/api/dto"
)

func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				err := recover()
				if err == nil {
					return
				}
				if err == http.ErrAbortHandler {
					panic(err)
				}

				traceID := GetTraceID(r.Context())
				logger.Error("Panic recovered",
					zap.String("trace_id", traceID),
					zap.String("path", r.URL.Path),
					zap.Any("error", err),
					zap.Stack("stack"),
				)

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(dto.ErrorResponse{
					Error:   "Internal server error",
					TraceID: traceID,
				})
			}()

			next.ServeHTTP(w, r)
		})
	}
}
