// Package dedupe provides a bounded TTL cache for request idempotency.
//
// The gateway claims the Idempotency-Key header of each submission before
// starting a workflow. A retry with the same key inside the TTL gets the
// workflow the first request created instead of starting a second one:
//
//	id, outcome := cache.Claim(key)
//	switch outcome {
//	case dedupe.Done:     // return the existing workflow id
//	case dedupe.InFlight: // the first request is still running
//	case dedupe.Claimed:  // submit, then cache.Complete(key, id) or cache.Release(key)
//	}
package dedupe
