// Package task defines the job value object replicated between nodes and its
// wire form.
//
// The wire form is a versioned JSON document wrapped in standard base64 so it
// fits on one line of the replication protocol.
package task
