// Package ingress is the HTTP frontend: it turns enqueue requests into tasks
// and hands them to the replication scheduler, and it exposes read-only
// views of the cluster, armed replicas and recent executions.
package ingress
