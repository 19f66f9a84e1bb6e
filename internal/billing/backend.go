package billing

import "context"

// Backend is the funds-custody boundary. It may be slow and may fail for
// reasons unrelated to balance sufficiency; callers must treat transport
// errors and insufficient balance as distinct outcomes.
type Backend interface {
	// Balance returns the subscriber's current prepaid balance in dollars.
	Balance(ctx context.Context, subscriber string) (float64, error)
	// Transfer moves amount from the subscriber's wallet to the platform
	// and returns a transfer reference.
	Transfer(ctx context.Context, subscriber string, amount float64) (string, error)
}
