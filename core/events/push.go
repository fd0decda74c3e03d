package events

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sethvargo/go-retry"
)

// ErrGone is returned by a PushTransport when the endpoint no longer exists.
// The subscription is then deleted.
var ErrGone = errors.New("push endpoint gone")

// PushTransport delivers a rendered notification to one subscription
type PushTransport interface {
	Deliver(ctx context.Context, sub PushSubscription, payload PushPayload) error
}

// HTTPTransport posts the payload as JSON to the subscription endpoint
type HTTPTransport struct {
	client *resty.Client
}

// NewHTTPTransport returns a transport with the given request timeout
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{client: resty.New().SetTimeout(timeout)}
}

// Deliver implements PushTransport. 404 and 410 responses mean ErrGone.
func (t *HTTPTransport) Deliver(ctx context.Context, sub PushSubscription, payload PushPayload) error {
	res, err := t.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("TTL", "86400").
		SetBody(payload).
		Post(sub.Endpoint)
	if err != nil {
		return err
	}
	switch code := res.StatusCode(); {
	case code == http.StatusNotFound || code == http.StatusGone:
		return ErrGone
	case code >= 300:
		return fmt.Errorf("push endpoint returned %d", code)
	}
	return nil
}

// deliver tries a push a bounded number of times. ErrGone is returned at once.
// Backoffs are stateful, so newBackoff is called once per delivery.
func deliver(ctx context.Context, transport PushTransport, newBackoff func() retry.Backoff, sub PushSubscription, payload PushPayload) error {
	return retry.Do(ctx, newBackoff(), func(ctx context.Context) error {
		err := transport.Deliver(ctx, sub, payload)
		if err == nil || errors.Is(err, ErrGone) {
			return err
		}
		return retry.RetryableError(err)
	})
}
