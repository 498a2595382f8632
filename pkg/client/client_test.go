package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/astromechza/push-toggles/pkg/api"
	"github.com/astromechza/push-toggles/pkg/feed"
	"github.com/astromechza/push-toggles/pkg/subscriptions"
	"github.com/astromechza/push-toggles/pkg/toggles"
)

type countingTransport struct {
	mu    sync.Mutex
	calls int
}

func (t *countingTransport) Send(context.Context, subscriptions.Subscription, []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	return nil
}

func (t *countingTransport) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

func newServer(c *qt.C) (*Client, *countingTransport) {
	transport := &countingTransport{}
	registry := subscriptions.NewRegistry(transport)
	var store *toggles.Store
	hub := feed.NewHub(func() map[string]bool { return store.State() })
	c.Cleanup(hub.Close)
	store, err := toggles.New(toggles.DefaultDefinitions, registry, hub)
	c.Assert(err, qt.IsNil)

	srv := httptest.NewServer(api.NewHandler(api.Options{
		Store:     store,
		Registry:  registry,
		PublicKey: "public",
		Feed:      hub,
	}))
	c.Cleanup(srv.Close)
	return New(srv.URL + "/"), transport
}

func TestRoundTrip(t *testing.T) {
	c := qt.New(t)
	cl, transport := newServer(c)
	ctx := context.Background()

	key, err := cl.PublicKey(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(key, qt.Equals, "public")

	total, err := cl.Subscribe(ctx, subscriptions.Subscription{Endpoint: "https://push.example.com/1"})
	c.Assert(err, qt.IsNil)
	c.Assert(total, qt.Equals, 1)

	v, err := cl.Toggle(ctx, "status")
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.IsTrue)

	v, err = cl.Set(ctx, "function", false)
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.IsFalse)

	state, err := cl.State(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(state, qt.DeepEquals, map[string]bool{"status": true, "function": false})

	sent, err := cl.TestPush(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(sent, qt.Equals, 1)
	c.Assert(transport.Calls(), qt.Equals, 2)

	info, err := cl.Info(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(*info, qt.Equals, Info{Status: "ok", Message: "Toggle API Server", Subscribers: 1})

	c.Assert(cl.Unsubscribe(ctx, "https://push.example.com/1"), qt.IsNil)
	n, err := cl.Subscribers(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, 0)
}

func TestInvalidToggle(t *testing.T) {
	c := qt.New(t)
	cl, _ := newServer(c)

	_, err := cl.Toggle(context.Background(), "nope")
	c.Assert(err, qt.ErrorMatches, "client.Toggle: HTTP 400: Invalid toggle")
	c.Assert(IsStatus(err, http.StatusBadRequest), qt.IsTrue)
	c.Assert(IsStatus(err, http.StatusNotFound), qt.IsFalse)
}

func TestWatch(t *testing.T) {
	c := qt.New(t)
	cl, _ := newServer(c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := make(chan feed.Event, 4)
	done := make(chan error, 1)
	go func() {
		done <- cl.Watch(ctx, func(ev feed.Event) { events <- ev })
	}()

	first := <-events
	c.Assert(first.State, qt.DeepEquals, map[string]bool{"status": false, "function": true})

	_, err := cl.Set(context.Background(), "status", true)
	c.Assert(err, qt.IsNil)
	c.Assert(<-events, qt.DeepEquals, feed.Event{Type: feed.TypeChange, Name: "status", Value: true})

	cancel()
	c.Assert(<-done, qt.IsNil)
}
