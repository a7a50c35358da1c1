package chronicle

import "context"

// Consumer is a projection registered with the embedded server. The runtime
// wraps every consumer with watermark tracking, gap backfill, hash
// verification, and digest folding, so Apply sees each committed event for
// its (tenant, branch) exactly once and strictly in global_seq order.
//
// Apply returns nil to acknowledge, a plain error for a transient failure
// (the relay retries with backoff), or an error wrapped by Permanent to
// reject the event irrecoverably (immediate dead-letter).
type Consumer interface {
	Name() string
	Apply(ctx context.Context, event Event) error
}
