// Package agent is the long-running side of vaultsync: a gRPC control
// service on a local address plus a periodic sync and delivery loop.
//
// Callers authenticate with an HS256 token that the agent signs with a
// per-run secret and writes to a file only the owner can read; the CLI
// reads that file and sends the token in the access_token metadata key.
package agent
