// Package subscriptions keeps the set of Web Push subscriptions and
// broadcasts messages to them.
//
// Only an explicit "gone" answer from the push service (ErrEndpointGone)
// removes a subscription. Every other failure is logged and the subscription
// is kept for the next broadcast.
package subscriptions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
)

// ErrEndpointGone marks a delivery failure where the push service reported
// that the endpoint no longer exists (HTTP 404 or 410).
var ErrEndpointGone = errors.New("push endpoint gone")

// ErrMissingEndpoint is returned when a subscription record has no endpoint.
var ErrMissingEndpoint = errors.New("subscription has no endpoint")

// Keys are the client's message encryption keys.
type Keys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Subscription mirrors the JSON form of a browser PushSubscription.
type Subscription struct {
	Endpoint       string   `json:"endpoint"`
	ExpirationTime *float64 `json:"expirationTime,omitempty"`
	Keys           Keys     `json:"keys"`
}

func (s Subscription) Validate() error {
	if s.Endpoint == "" {
		return ErrMissingEndpoint
	}
	return nil
}

// Message is the payload delivered to every subscriber.
type Message struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Transport delivers an already encoded payload to one subscription.
type Transport interface {
	Send(ctx context.Context, sub Subscription, payload []byte) error
}

// Report summarises a single broadcast sweep.
type Report struct {
	Attempted int
	Delivered int
	Removed   int
	Failed    int
}

type Option func(*Registry)

// WithConcurrency sets how many deliveries may be in flight at once. The
// default of 1 delivers to subscribers one after another.
func WithConcurrency(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

type Registry struct {
	transport   Transport
	concurrency int

	mu   sync.Mutex
	subs []Subscription
}

func NewRegistry(transport Transport, opts ...Option) *Registry {
	r := &Registry{transport: transport, concurrency: 1}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe adds sub unless a subscription with the same endpoint already
// exists. It returns the registry size afterwards and whether sub was added.
func (r *Registry) Subscribe(sub Subscription) (int, bool, error) {
	if err := sub.Validate(); err != nil {
		return 0, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		if s.Endpoint == sub.Endpoint {
			slog.Info("subscription already exists", "endpoint", shortEndpoint(sub.Endpoint))
			return len(r.subs), false, nil
		}
	}
	r.subs = append(r.subs, sub)
	slog.Info("subscription added", "endpoint", shortEndpoint(sub.Endpoint), "total", len(r.subs))
	return len(r.subs), true, nil
}

// Unsubscribe removes every subscription with the given endpoint and returns
// how many were removed.
func (r *Registry) Unsubscribe(endpoint string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.subs[:0:0]
	for _, s := range r.subs {
		if s.Endpoint != endpoint {
			kept = append(kept, s)
		}
	}
	removed := len(r.subs) - len(kept)
	r.subs = kept
	if removed > 0 {
		slog.Info("subscription removed", "endpoint", shortEndpoint(endpoint), "total", len(r.subs))
	}
	return removed
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// List returns a copy of the subscriptions in insertion order.
func (r *Registry) List() []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Subscription(nil), r.subs...)
}

// Notify broadcasts and discards the report. It lets the registry act as the
// notifier of a toggles.Store.
func (r *Registry) Notify(ctx context.Context, title, body string) {
	r.Broadcast(ctx, title, body)
}

// Broadcast delivers {title, body} to every current subscription and then
// drops the ones whose endpoint is gone. Failures never escape: each
// subscription's outcome is independent of the others.
func (r *Registry) Broadcast(ctx context.Context, title, body string) Report {
	snapshot := r.List()
	slog.Info("broadcasting", "subscribers", len(snapshot), "title", title, "body", body)

	report := Report{Attempted: len(snapshot)}
	if len(snapshot) == 0 {
		return report
	}

	payload, err := json.Marshal(Message{Title: title, Body: body})
	if err != nil {
		// Nothing was sent so nothing can be proven gone.
		slog.Error("failed to encode push payload", "err", err)
		report.Failed = len(snapshot)
		return report
	}

	errs := make([]error, len(snapshot))
	g := new(errgroup.Group)
	g.SetLimit(r.concurrency)
	for i, sub := range snapshot {
		g.Go(func() error {
			errs[i] = r.deliver(ctx, i, sub, payload)
			return nil
		})
	}
	_ = g.Wait()

	results := make(map[string]error, len(snapshot))
	for i, sub := range snapshot {
		results[sub.Endpoint] = errs[i]
		switch {
		case errs[i] == nil:
			report.Delivered++
		case errors.Is(errs[i], ErrEndpointGone):
			report.Removed++
		default:
			report.Failed++
		}
	}

	r.mu.Lock()
	r.subs = Retain(r.subs, results)
	total := len(r.subs)
	r.mu.Unlock()

	slog.Info("broadcast complete", "delivered", report.Delivered, "removed", report.Removed, "failed", report.Failed, "total", total)
	return report
}

func (r *Registry) deliver(ctx context.Context, i int, sub Subscription, payload []byte) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("push transport panicked: %v", p)
		}
		switch {
		case err == nil:
			slog.Debug("push sent", "subscriber", i+1, "endpoint", shortEndpoint(sub.Endpoint))
		case errors.Is(err, ErrEndpointGone):
			slog.Info("subscription expired, removing", "subscriber", i+1, "endpoint", shortEndpoint(sub.Endpoint), "err", err)
		default:
			slog.Warn("push failed, keeping subscription", "subscriber", i+1, "endpoint", shortEndpoint(sub.Endpoint), "err", err)
		}
	}()
	return r.transport.Send(ctx, sub, payload)
}

// Retain returns the subscriptions that survive a sweep, in their original
// order. A subscription is dropped only when results holds an error for its
// endpoint that matches ErrEndpointGone; endpoints without a result are kept.
func Retain(subs []Subscription, results map[string]error) []Subscription {
	out := make([]Subscription, 0, len(subs))
	for _, s := range subs {
		if err, ok := results[s.Endpoint]; ok && errors.Is(err, ErrEndpointGone) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func shortEndpoint(endpoint string) string {
	const limit = 50
	if utf8.RuneCountInString(endpoint) <= limit {
		return endpoint
	}
	return string([]rune(endpoint)[:limit]) + "..."
}
