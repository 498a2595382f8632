// Package toggles holds the fixed set of named boolean switches exposed by the
// server. The set of names is decided when the Store is built and never
// changes afterwards.
package toggles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"unicode"
	"unicode/utf8"
)

// ErrInvalidName is returned for any name that was not defined at startup.
var ErrInvalidName = errors.New("invalid toggle")

// Definition describes one toggle known at startup.
type Definition struct {
	Name    string `koanf:"name"`
	Label   string `koanf:"label"`
	Default bool   `koanf:"default"`
}

// DefaultDefinitions are used when no toggles are configured.
var DefaultDefinitions = []Definition{
	{Name: "status", Label: "Status", Default: false},
	{Name: "function", Label: "Function", Default: true},
}

// Notifier receives a human readable message whenever a toggle is flipped.
type Notifier interface {
	Notify(ctx context.Context, title, body string)
}

// Observer is informed of every value change, including direct sets.
type Observer interface {
	ToggleChanged(name string, value bool)
}

type Store struct {
	notifier  Notifier
	observers []Observer

	// pushMu orders whole Toggle calls, sweep included, so pushes go out in
	// the same order as the flips. It is always taken before mu.
	pushMu sync.Mutex

	mu     sync.Mutex
	order  []string
	labels map[string]string
	values map[string]bool
}

func New(defs []Definition, notifier Notifier, observers ...Observer) (*Store, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("at least one toggle must be defined")
	}
	s := &Store{
		notifier:  notifier,
		observers: observers,
		labels:    make(map[string]string, len(defs)),
		values:    make(map[string]bool, len(defs)),
	}
	for i, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("toggle %d has no name", i)
		}
		if _, ok := s.values[d.Name]; ok {
			return nil, fmt.Errorf("toggle %q is defined twice", d.Name)
		}
		label := d.Label
		if label == "" {
			label = capitalize(d.Name)
		}
		s.order = append(s.order, d.Name)
		s.labels[d.Name] = label
		s.values[d.Name] = d.Default
	}
	return s, nil
}

// State returns a copy of every toggle value.
func (s *Store) State() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Names returns the toggle names in definition order.
func (s *Store) Names() []string {
	return append([]string(nil), s.order...)
}

func (s *Store) Get(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[name]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return v, nil
}

// Toggle flips the named value and notifies subscribers of the new value.
// Concurrent toggles are delivered one after another in flip order. Readers
// and Set are not held up by a running push sweep.
func (s *Store) Toggle(ctx context.Context, name string) (bool, error) {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	s.mu.Lock()
	v, ok := s.values[name]
	if !ok {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	v = !v
	s.values[name] = v
	label := s.labels[name]
	s.changed(name, v)
	s.mu.Unlock()

	slog.Info("toggled", "name", name, "value", v)
	if s.notifier != nil {
		s.notifier.Notify(ctx, label, "Turned "+OnOff(v))
	}
	return v, nil
}

// Set overwrites the named value. Unlike Toggle it never sends a push
// notification; observers still see the change.
func (s *Store) Set(name string, value bool) (bool, error) {
	s.mu.Lock()
	if _, ok := s.values[name]; !ok {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	s.values[name] = value
	s.changed(name, value)
	s.mu.Unlock()

	slog.Info("set", "name", name, "value", value)
	return value, nil
}

// changed runs with mu held so observers see changes in the order they were
// made. Observers must not call back into the Store.
func (s *Store) changed(name string, value bool) {
	for _, o := range s.observers {
		o.ToggleChanged(name, value)
	}
}

func capitalize(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	return string(unicode.ToUpper(r)) + name[size:]
}

// OnOff renders a toggle value the way notifications describe it.
func OnOff(v bool) string {
	if v {
		return "ON"
	}
	return "OFF"
}
