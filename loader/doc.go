// Package loader executes the asynchronous swap transfers the cache pool
// schedules.
//
// A fixed pool of workers consumes a FIFO queue of store and load tasks.
// Each transfer retries transient device errors with linear backoff and
// reports its outcome to the cache pool under the generation it was
// dispatched with; stale outcomes leave no trace beyond a released swap
// extent.
package loader
