package transport

import (
	"context"
	"errors"

	"github.com/agentworkforce/relaywoot/internal/woot"
)

var ErrNotConnected = errors.New("peer not connected")

// Receiver accepts patches arriving from other sites.
type Receiver interface {
	Receive(ctx context.Context, origin string, patch woot.Patch) (woot.DeliveryReport, error)
}
