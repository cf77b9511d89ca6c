// Package retry provides the agent's exponential backoff policy.
//
// Config.Delay computes the wait before a given retry without sleeping, which
// lets the reconnect loop schedule attempts on a worker pool. Do is the
// blocking form used where a goroutine may wait, such as persistence writes
// on the attributes pool:
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
//	    return kv.Put(ctx, key, value)
//	})
//
// Wrap an error with NonRetryable to stop retrying immediately.
package retry
