// Package cluster runs a chronos DB as a hashicorp/raft state machine.
//
// Raft orders commands into its log. Every committed entry is decoded and
// applied with its log index as the position, so replicas that applied the
// same prefix hold the same state. Raft snapshots are chronos snapshots;
// a follower that falls behind the leader's trailing logs installs one.
package cluster
