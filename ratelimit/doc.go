// Package ratelimit throttles message processing per session using
// token buckets. Buckets refill continuously over a configured
// window; sessions without an explicit limit get the default bucket
// on first sight. Completing a session should Forget its bucket so
// the table does not grow unbounded.
package ratelimit
