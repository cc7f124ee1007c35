// Package worker is the node-local execution pool.
//
// Tasks whose timer fired on this node are handed to Pool.Dispatch. A fixed
// number of workers drain the queue; each emits start, performs the remote
// call bounded by a timeout, then emits success or failure. Events go to the
// Reporter (the replication scheduler) synchronously and to the event bus for
// observers.
package worker
