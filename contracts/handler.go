package contracts

import "context"

// Handler processes one delivered event. A nil return acknowledges the
// delivery; any error (or panic) requeues it. The return value is not
// inspected beyond success or failure.
type Handler func(ctx context.Context, event *Envelope, routingKey string) error
