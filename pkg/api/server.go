// Package api exposes the toggles and push subscriptions over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/astromechza/push-toggles/pkg/subscriptions"
	"github.com/astromechza/push-toggles/pkg/toggles"
)

const maxBodyBytes = 64 << 10

type Options struct {
	Store     *toggles.Store
	Registry  *subscriptions.Registry
	PublicKey string
	// Feed serves the live state WebSocket. Optional.
	Feed        http.Handler
	CORSOrigins []string
}

type server struct {
	store     *toggles.Store
	registry  *subscriptions.Registry
	publicKey string
}

// NewHandler builds the full HTTP handler: routes, access logging, CORS and
// panic recovery.
func NewHandler(opts Options) http.Handler {
	s := &server{store: opts.Store, registry: opts.Registry, publicKey: opts.PublicKey}

	r := mux.NewRouter()
	r.Use(requestID, accessLog)
	r.NotFoundHandler = http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writeError(writer, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writeError(writer, http.StatusMethodNotAllowed, "Method not allowed")
	})

	// Path comes before Methods so a known path with the wrong method is
	// answered with 405 rather than falling through to 404.
	r.Path("/").Methods(http.MethodGet).HandlerFunc(s.index)
	r.Path("/api/vapid-public-key").Methods(http.MethodGet).HandlerFunc(s.vapidPublicKey)
	r.Path("/api/subscribe").Methods(http.MethodPost).HandlerFunc(s.subscribe)
	r.Path("/api/unsubscribe").Methods(http.MethodPost).HandlerFunc(s.unsubscribe)
	r.Path("/api/subscribers").Methods(http.MethodGet).HandlerFunc(s.subscribers)
	r.Path("/api/state").Methods(http.MethodGet).HandlerFunc(s.state)
	r.Path("/api/toggle/{name}").Methods(http.MethodPost).HandlerFunc(s.toggle)
	r.Path("/api/set/{name}").Methods(http.MethodPost).HandlerFunc(s.set)
	r.Path("/api/test-push").Methods(http.MethodPost).HandlerFunc(s.testPush)
	if opts.Feed != nil {
		r.Path("/api/feed").Methods(http.MethodGet).Handler(opts.Feed)
	}

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	cors := handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)
	return handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{}))(cors(r))
}

func (s *server) index(writer http.ResponseWriter, request *http.Request) {
	writeJSON(writer, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"message":     "Toggle API Server",
		"subscribers": s.registry.Len(),
	})
}

func (s *server) vapidPublicKey(writer http.ResponseWriter, request *http.Request) {
	writeJSON(writer, http.StatusOK, map[string]string{"publicKey": s.publicKey})
}

func (s *server) subscribe(writer http.ResponseWriter, request *http.Request) {
	var sub subscriptions.Subscription
	if err := decodeJSON(writer, request, &sub); err != nil {
		writeError(writer, http.StatusBadRequest, err.Error())
		return
	}
	total, _, err := s.registry.Subscribe(sub)
	if err != nil {
		writeError(writer, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(writer, http.StatusOK, map[string]interface{}{"success": true, "total": total})
}

func (s *server) unsubscribe(writer http.ResponseWriter, request *http.Request) {
	var body struct {
		Endpoint string `json:"endpoint"`
	}
	if err := decodeJSON(writer, request, &body); err != nil {
		writeError(writer, http.StatusBadRequest, err.Error())
		return
	}
	s.registry.Unsubscribe(body.Endpoint)
	writeJSON(writer, http.StatusOK, map[string]bool{"success": true})
}

func (s *server) subscribers(writer http.ResponseWriter, request *http.Request) {
	writeJSON(writer, http.StatusOK, map[string]int{"total": s.registry.Len()})
}

func (s *server) state(writer http.ResponseWriter, request *http.Request) {
	writeJSON(writer, http.StatusOK, s.store.State())
}

type toggleResponse struct {
	Name  string `json:"name"`
	Value bool   `json:"value"`
}

func (s *server) toggle(writer http.ResponseWriter, request *http.Request) {
	name := mux.Vars(request)["name"]
	// The push sweep should finish even if the caller hangs up.
	value, err := s.store.Toggle(context.WithoutCancel(request.Context()), name)
	if err != nil {
		writeToggleError(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, toggleResponse{Name: name, Value: value})
}

func (s *server) set(writer http.ResponseWriter, request *http.Request) {
	name := mux.Vars(request)["name"]
	current, err := s.store.Get(name)
	if err != nil {
		writeToggleError(writer, err)
		return
	}
	var body struct {
		Value *bool `json:"value"`
	}
	if err := decodeJSON(writer, request, &body); err != nil && !errors.Is(err, io.EOF) {
		writeError(writer, http.StatusBadRequest, err.Error())
		return
	}
	// A missing value leaves the toggle as it is.
	if body.Value == nil {
		writeJSON(writer, http.StatusOK, toggleResponse{Name: name, Value: current})
		return
	}
	value, err := s.store.Set(name, *body.Value)
	if err != nil {
		writeToggleError(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, toggleResponse{Name: name, Value: value})
}

func (s *server) testPush(writer http.ResponseWriter, request *http.Request) {
	s.registry.Broadcast(context.WithoutCancel(request.Context()), "Test", "This is a test notification")
	writeJSON(writer, http.StatusOK, map[string]interface{}{"success": true, "sent_to": s.registry.Len()})
}

func writeToggleError(writer http.ResponseWriter, err error) {
	if errors.Is(err, toggles.ErrInvalidName) {
		writeError(writer, http.StatusBadRequest, "Invalid toggle")
		return
	}
	slog.Error("toggle request failed", "err", err)
	writeError(writer, http.StatusInternalServerError, "Internal error")
}

func decodeJSON(writer http.ResponseWriter, request *http.Request, v interface{}) error {
	request.Body = http.MaxBytesReader(writer, request.Body, maxBodyBytes)
	if err := json.NewDecoder(request.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("request body is empty: %w", err)
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeError(writer http.ResponseWriter, status int, message string) {
	writeJSON(writer, status, map[string]string{"error": message})
}

func writeJSON(writer http.ResponseWriter, status int, v interface{}) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(v); err != nil {
		slog.Error("failed to write", "err", err)
	}
}
