package driven

import (
	"context"
	"errors"

	"github.com/everkeep/everkeep/internal/domain/model"
)

// ErrBounce is returned by Notifier.Send when the address is permanently
// undeliverable (invalid email or number). Bounces are never retried; they
// escalate to a human operator immediately.
var ErrBounce = errors.New("address bounced")

// Notifier defines the driven port to the Notification Gateway. Sends are
// asynchronous: a dispatch id is returned immediately and the gateway later
// reports transport status via callback. Any error other than ErrBounce is
// treated as transient and retried with backoff.
type Notifier interface {
	Send(ctx context.Context, channel model.Channel, address string, payloadRef string) (dispatchID string, err error)
}
