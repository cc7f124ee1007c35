// Package membership implements leader-based group membership.
//
// Every node listens on its member address. Followers keep one persistent
// connection to the leader: they announce their address on the first line and
// then send an empty heartbeat line every Heartbeat. The leader answers with
// the full member list (a JSON array) whenever it changes. A one-element array
// is a redirect to the real leader.
//
// When the leader connection is lost, a follower drops the old leader from its
// local view and deterministically picks the lexicographically smallest
// remaining address as the new leader. Nothing reconciles two halves of a
// healed partition that elected different leaders.
package membership
