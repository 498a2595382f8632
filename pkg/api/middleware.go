package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-Id"

// requestID reuses an incoming X-Request-Id or mints a new one and echoes it
// on the response.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		id := request.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			request.Header.Set(requestIDHeader, id)
		}
		writer.Header().Set(requestIDHeader, id)
		next.ServeHTTP(writer, request)
	})
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		m := httpsnoop.CaptureMetrics(next, writer, request)
		slog.Info("handled",
			"method", request.Method,
			"url", request.URL,
			"duration", m.Duration,
			"status", m.Code,
			"bytes", m.Written,
			"request_id", request.Header.Get(requestIDHeader),
		)
	})
}

type recoveryLogger struct{}

func (recoveryLogger) Println(v ...interface{}) {
	slog.Error("handler panicked", "err", fmt.Sprint(v...))
}
