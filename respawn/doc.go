// Package respawn is the application side of vessel migration. A
// Coordinator consumes a node's events: it answers fragment authorization
// requests, and when the node reports that it must take over an agent it
// collects a threshold of fragments, reconstructs the secret, re-splits it
// for the next generation and hands the result back to the node.
//
// The coordinator never touches node state directly; every step is a
// command on node.Client.
package respawn
