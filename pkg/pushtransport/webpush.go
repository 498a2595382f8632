// Package pushtransport delivers Web Push messages signed with a VAPID
// keypair.
package pushtransport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/astromechza/push-toggles/pkg/subscriptions"
)

const maxErrorBody = 512

type Options struct {
	PublicKey  string
	PrivateKey string
	// Contact identifies the sender to the push service, e.g. mailto:ops@example.com.
	Contact    string
	TTL        time.Duration
	Urgency    string
	HTTPClient *http.Client
}

// StatusError is returned when the push service rejects a message.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("push service responded %d", e.StatusCode)
	}
	return fmt.Sprintf("push service responded %d: %s", e.StatusCode, e.Body)
}

// Is reports 404 and 410 responses as subscriptions.ErrEndpointGone.
func (e *StatusError) Is(target error) bool {
	return target == subscriptions.ErrEndpointGone &&
		(e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone)
}

type WebPush struct {
	options webpush.Options
}

func New(opts Options) (*WebPush, error) {
	if opts.PublicKey == "" || opts.PrivateKey == "" {
		return nil, errors.New("vapid public and private keys are required")
	}
	if opts.Contact == "" {
		return nil, errors.New("vapid contact is required")
	}
	w := &WebPush{options: webpush.Options{
		// The library adds the mailto: scheme itself for non-https contacts.
		Subscriber:      strings.TrimPrefix(opts.Contact, "mailto:"),
		VAPIDPublicKey:  opts.PublicKey,
		VAPIDPrivateKey: opts.PrivateKey,
		TTL:             int(opts.TTL / time.Second),
		Urgency:         webpush.Urgency(opts.Urgency),
	}}
	if opts.HTTPClient != nil {
		w.options.HTTPClient = opts.HTTPClient
	}
	return w, nil
}

// Send encrypts payload for sub and posts it to the subscription endpoint.
func (w *WebPush) Send(ctx context.Context, sub subscriptions.Subscription, payload []byte) error {
	target := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256dh,
			Auth:   sub.Keys.Auth,
		},
	}
	options := w.options
	resp, err := webpush.SendNotificationWithContext(ctx, payload, target, &options)
	if err != nil {
		return fmt.Errorf("failed to send push: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// GenerateKeys returns a fresh VAPID keypair, base64url encoded.
func GenerateKeys() (publicKey, privateKey string, err error) {
	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate vapid keys: %w", err)
	}
	return publicKey, privateKey, nil
}
