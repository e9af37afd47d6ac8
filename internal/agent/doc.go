// Package agent defines the execution capability contract the verification
// engine wraps: an opaque-input, opaque-output execute operation. Adapters in
// this package lift plain functions, channel-based asynchronous executors and
// large-language-model clients into that contract, and a registry maps agent
// identities to their capabilities.
package agent
