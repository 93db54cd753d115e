// Package reliability holds the retry policy shared by the broker connection
// and the event bus.
//
// The delay before retry n is 2^n units (one second by default) and at most
// retryCount retries are made:
//
//	policy := reliability.NewExponentialBackoff(5)
//	err := reliability.Retry(ctx, policy, reliability.IsTransient, nil, func() error {
//	    return dial()
//	})
package reliability
