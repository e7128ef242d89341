package registry

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/weft/internal/contextutil"
	"github.com/loomworks/weft/requestor"
	"github.com/loomworks/weft/transport"
	"github.com/loomworks/weft/wire"
)

// DefaultRequestTimeout bounds registry round-trips issued without a
// context deadline.
const DefaultRequestTimeout = 1 * time.Second

// Provider registers locally hosted methods with a registry.
type Provider struct {
	req     *requestor.Requestor
	timeout time.Duration
}

// NewProvider wraps a correlator. timeout<=0 selects DefaultRequestTimeout.
func NewProvider(r *requestor.Requestor, timeout time.Duration) *Provider {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Provider{req: r, timeout: timeout}
}

// RegisterMethod announces that host serves method. The call is synchronous
// and fails on any non-OK registry answer.
func (p *Provider) RegisterMethod(ctx context.Context, conn *transport.Conn, method string, host wire.Host) error {
	msg := &wire.Message{
		ID:   uuid.NewString(),
		Body: wire.NewServiceRequest(wire.ServiceRegistry, method, &host),
	}
	ctx, cancel := contextutil.WithTimeout(ctx, timeoutFor(ctx, p.timeout))
	defer cancel()
	rsp, err := p.req.SendSync(ctx, conn, msg)
	if err != nil {
		return err
	}
	body, ok := rsp.Body.(*wire.ServiceResponse)
	if !ok {
		return &wire.StatusError{Code: wire.CodeBadMessageType}
	}
	return wire.StatusOf(body.RCode())
}

func timeoutFor(ctx context.Context, fallback time.Duration) time.Duration {
	if ctx != nil {
		if _, ok := ctx.Deadline(); ok {
			return 0
		}
	}
	return fallback
}
