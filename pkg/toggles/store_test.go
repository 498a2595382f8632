package toggles

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

type message struct {
	Title, Body string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []message
}

func (r *recordingNotifier) Notify(_ context.Context, title, body string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, message{title, body})
}

type recordingObserver struct {
	mu      sync.Mutex
	changes []string
}

func (r *recordingObserver) ToggleChanged(name string, value bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, name+"="+OnOff(value))
}

func newStore(c *qt.C) (*Store, *recordingNotifier, *recordingObserver) {
	n := &recordingNotifier{}
	o := &recordingObserver{}
	s, err := New(DefaultDefinitions, n, o)
	c.Assert(err, qt.IsNil)
	return s, n, o
}

func TestInitialState(t *testing.T) {
	c := qt.New(t)
	s, _, _ := newStore(c)
	c.Assert(s.State(), qt.DeepEquals, map[string]bool{"status": false, "function": true})
	c.Assert(s.Names(), qt.DeepEquals, []string{"status", "function"})
}

func TestStateIsSnapshot(t *testing.T) {
	c := qt.New(t)
	s, _, _ := newStore(c)
	snap := s.State()
	snap["status"] = true
	v, err := s.Get("status")
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.IsFalse)
}

func TestToggleFlipsAndNotifies(t *testing.T) {
	c := qt.New(t)
	s, n, o := newStore(c)
	ctx := context.Background()

	v, err := s.Toggle(ctx, "status")
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.IsTrue)

	v, err = s.Toggle(ctx, "status")
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.IsFalse)

	c.Assert(n.sent, qt.DeepEquals, []message{
		{"Status", "Turned ON"},
		{"Status", "Turned OFF"},
	})
	c.Assert(o.changes, qt.DeepEquals, []string{"status=ON", "status=OFF"})
}

func TestToggleUsesLabel(t *testing.T) {
	c := qt.New(t)
	s, n, _ := newStore(c)
	_, err := s.Toggle(context.Background(), "function")
	c.Assert(err, qt.IsNil)
	c.Assert(n.sent, qt.DeepEquals, []message{{"Function", "Turned OFF"}})
}

func TestToggleUnknownName(t *testing.T) {
	c := qt.New(t)
	s, n, o := newStore(c)
	_, err := s.Toggle(context.Background(), "nope")
	c.Assert(errors.Is(err, ErrInvalidName), qt.IsTrue)
	c.Assert(s.State(), qt.DeepEquals, map[string]bool{"status": false, "function": true})
	c.Assert(n.sent, qt.HasLen, 0)
	c.Assert(o.changes, qt.HasLen, 0)
}

func TestSetNeverNotifies(t *testing.T) {
	c := qt.New(t)
	s, n, o := newStore(c)

	for _, want := range []bool{true, true, false} {
		v, err := s.Set("status", want)
		c.Assert(err, qt.IsNil)
		c.Assert(v, qt.Equals, want)
		got, _ := s.Get("status")
		c.Assert(got, qt.Equals, want)
	}
	c.Assert(n.sent, qt.HasLen, 0)
	c.Assert(o.changes, qt.DeepEquals, []string{"status=ON", "status=ON", "status=OFF"})
}

func TestSetUnknownName(t *testing.T) {
	c := qt.New(t)
	s, _, _ := newStore(c)
	_, err := s.Set("nope", true)
	c.Assert(err, qt.ErrorIs, ErrInvalidName)
	_, err = s.Get("nope")
	c.Assert(err, qt.ErrorIs, ErrInvalidName)
}

func TestNewRejectsBadDefinitions(t *testing.T) {
	c := qt.New(t)
	tests := []struct {
		Name string
		Defs []Definition
		Err  string
	}{
		{"empty", nil, "at least one toggle must be defined"},
		{"no name", []Definition{{Label: "X"}}, "toggle 0 has no name"},
		{"duplicate", []Definition{{Name: "a"}, {Name: "a"}}, `toggle "a" is defined twice`},
	}
	for _, test := range tests {
		c.Run(test.Name, func(c *qt.C) {
			_, err := New(test.Defs, nil)
			c.Assert(err, qt.ErrorMatches, test.Err)
		})
	}
}

func TestDefaultLabel(t *testing.T) {
	c := qt.New(t)
	tests := []struct {
		Name  string
		Label string
	}{
		{"lamp", "Lamp"},
		{"éclairage", "Éclairage"},
		{"日本", "日本"},
		{"x", "X"},
	}
	for _, test := range tests {
		c.Run(test.Name, func(c *qt.C) {
			n := &recordingNotifier{}
			s, err := New([]Definition{{Name: test.Name}}, n)
			c.Assert(err, qt.IsNil)
			_, err = s.Toggle(context.Background(), test.Name)
			c.Assert(err, qt.IsNil)
			c.Assert(n.sent, qt.DeepEquals, []message{{test.Label, "Turned ON"}})
		})
	}
}

func TestConcurrentToggles(t *testing.T) {
	c := qt.New(t)
	s, n, o := newStore(c)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Toggle(context.Background(), "status")
		}()
	}
	wg.Wait()
	// An even number of flips lands back on the default.
	v, _ := s.Get("status")
	c.Assert(v, qt.IsFalse)
	c.Assert(n.sent, qt.HasLen, 50)

	// Pushes and observer calls follow flip order, so they alternate.
	for i, m := range n.sent {
		c.Assert(m, qt.Equals, message{"Status", "Turned " + OnOff(i%2 == 0)}, qt.Commentf("push %d", i))
		c.Assert(o.changes[i], qt.Equals, "status="+OnOff(i%2 == 0), qt.Commentf("change %d", i))
	}
}

// slowNotifier yields mid-delivery to give concurrent toggles a chance to
// overtake each other.
type slowNotifier struct {
	recordingNotifier
}

func (s *slowNotifier) Notify(ctx context.Context, title, body string) {
	time.Sleep(time.Millisecond)
	s.recordingNotifier.Notify(ctx, title, body)
}

func TestConcurrentTogglesSlowNotifier(t *testing.T) {
	c := qt.New(t)
	n := &slowNotifier{}
	s, err := New(DefaultDefinitions, n)
	c.Assert(err, qt.IsNil)

	var wg sync.WaitGroup
	for i := 0; i < 21; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Toggle(context.Background(), "status")
		}()
	}
	wg.Wait()

	v, _ := s.Get("status")
	c.Assert(v, qt.IsTrue)
	c.Assert(n.sent, qt.HasLen, 21)
	c.Assert(n.sent[len(n.sent)-1], qt.Equals, message{"Status", "Turned ON"})
	for i, m := range n.sent {
		c.Assert(m.Body, qt.Equals, "Turned "+OnOff(i%2 == 0), qt.Commentf("push %d", i))
	}
}

func TestSetDuringPushSweep(t *testing.T) {
	c := qt.New(t)
	release := make(chan struct{})
	started := make(chan struct{})
	s, err := New(DefaultDefinitions, blockingNotifier{started, release})
	c.Assert(err, qt.IsNil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Toggle(context.Background(), "status")
	}()
	<-started

	// The sweep is still running; reads and sets go through.
	v, err := s.Set("function", false)
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.IsFalse)
	c.Assert(s.State(), qt.DeepEquals, map[string]bool{"status": true, "function": false})

	close(release)
	<-done
}

type blockingNotifier struct {
	started chan<- struct{}
	release <-chan struct{}
}

func (b blockingNotifier) Notify(context.Context, string, string) {
	close(b.started)
	<-b.release
}
