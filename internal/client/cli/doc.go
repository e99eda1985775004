// Package cli implements the vaultsync command line.
//
// Every command opens the local store, runs against a session.Controller and
// locks all vaults before it returns. Commands that need vault keys ask for
// the master password on the terminal. The agent subcommands are the
// exception: "agent run" keeps vaults unlocked in a long lived process and
// the other agent commands talk to it over its local control endpoint.
//
// Typical flow:
//
//	vaultsync login --email me@example.com
//	vaultsync records add --kind login
//	vaultsync sync
//	vaultsync conflicts list
package cli
