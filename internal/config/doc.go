// Package config loads the engine's JSON configuration file, applies
// defaults for unset fields and resolves relative paths against the
// config file's directory. Drivers for storage, queue, ledger, cache and
// auth backends are selected here and wired by the daemon at startup.
package config
