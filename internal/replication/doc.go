// Package replication turns a task into N armed replicas on peer nodes.
//
// Peers talk a newline-delimited line protocol over persistent TCP links:
//
//	schedule:<base64 task>        arm a replica, answered by scheduled:<id>
//	scheduled:<id>                ack for schedule
//	cancel:<id>                   disarm and forget (unknown id: no-op)
//	reschedule:<id>:<eta seconds> disarm, move eta, re-arm (unknown id: no-op)
//
// Whichever replica's timer fires first executes the task locally and then
// fans out reschedule (on start) and cancel (on success) to its siblings. A
// failed execution fans out nothing: the siblings, already deferred by the
// start message, fire on their own and retry.
package replication
