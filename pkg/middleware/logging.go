// Package middleware provides HTTP middleware for the distributed caching system.
//
// This file implements structured request logging middleware with:
//   - Request/response logging with timing
//   - Correlation ID propagation (X-Request-ID header)
//   - Context-based request ID storage
//   - Structured logging via zap
//   - Low-overhead design for hot paths
//
// Design Notes:
//   - Correlation IDs enable distributed tracing across services
//   - Request IDs stored in context for downstream use
//   - Logs include method, path, status, duration, size
//
// Production extensions:
//   - Add sampling for high-traffic endpoints
//   - Send logs to centralized logging (e.g., DataDog, ELK)
//   - Add request body logging (with PII redaction)
package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ContextKey type for context keys to avoid collisions
type contextKey string

const (
	// RequestIDKey is the context key for request IDs
	requestIDKey contextKey = "request-id"
)

// Logger is the package-wide zap logger. Replaced by SetLogger in tests or alternate
// deployments; defaults to a production JSON logger.
var Logger = newDefaultLogger()

func newDefaultLogger() *zap.Logger {
	l, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// SetLogger swaps the package logger, e.g. for zaptest.NewLogger in tests.
func SetLogger(l *zap.Logger) {
	Logger = l
}

// RequestLogger is a middleware that logs HTTP requests with structured logging.
//
// Example usage:
//
//	mux := http.NewServeMux()
//	loggedMux := RequestLogger(mux)
//	http.ListenAndServe(":8080", loggedMux)
//
// Logs include:
//   - Request ID (from X-Request-ID header or generated)
//   - HTTP method and path
//   - Response status code
//   - Response size in bytes
//   - Duration in milliseconds
//   - Remote address
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		r = r.WithContext(ctx)

		w.Header().Set("X-Request-ID", requestID)

		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		logRequest(requestID, r, wrapped.statusCode, wrapped.bytesWritten, duration)
	})
}

// WithRequestID adds a request ID to the context.
// Useful for manually propagating request IDs.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromCtx retrieves the request ID from the context.
// Returns empty string if not found.
func RequestIDFromCtx(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// generateRequestID creates a new UUID-based request ID.
func generateRequestID() string {
	return uuid.New().String()
}

// logRequest emits a structured log entry at a level chosen by status code.
func logRequest(requestID string, r *http.Request, statusCode int, bytesWritten int, duration time.Duration) {
	fields := []zap.Field{
		zap.String("request_id", requestID),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("query", r.URL.RawQuery),
		zap.Int("status", statusCode),
		zap.Int64("duration_ms", duration.Milliseconds()),
		zap.Int("bytes", bytesWritten),
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("user_agent", r.UserAgent()),
	}

	switch {
	case statusCode >= 500:
		Logger.Error("request completed", fields...)
	case statusCode >= 400:
		Logger.Warn("request completed", fields...)
	default:
		Logger.Info("request completed", fields...)
	}
}

// responseWriter wraps http.ResponseWriter to capture status code and bytes written.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

// WriteHeader captures the status code.
func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

// Write captures the number of bytes written.
func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// Flush implements http.Flusher interface.
func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// LogWithRequestID logs a message with the request ID from context.
// Useful for application-level logging that should include correlation IDs.
func LogWithRequestID(ctx context.Context, message string, fields map[string]interface{}) {
	requestID := RequestIDFromCtx(ctx)

	zapFields := make([]zap.Field, 0, len(fields)+1)
	zapFields = append(zapFields, zap.String("request_id", requestID))
	for k, v := range fields {
		zapFields = append(zapFields, zap.Any(k, v))
	}

	Logger.Info(message, zapFields...)
}
