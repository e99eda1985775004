// Package config loads runtime configuration for vaultsync.
//
// Sources, lowest precedence first:
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. A YAML or JSON file, given with --config or found as vaultsync.yaml
//     in the data directory or the working directory.
//  3. A .env file in the working directory.
//  4. VAULTSYNC_* environment variables, with dots in keys replaced by
//     underscores (VAULTSYNC_SYNC_INTERVAL=1m).
//  5. Command-line flags that were explicitly set.
//
// Example file:
//
//	database:
//	  driver: sqlite
//	  dsn: /home/me/.config/vaultsync/vaultsync.db
//	sync:
//	  interval: 5m
//	  exclude_folders: ["Archive/**"]
//	agent:
//	  address: 127.0.0.1:50061
package config
