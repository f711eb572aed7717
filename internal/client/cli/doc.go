// Package cli provides the interactive sessionkeeper command-line client.
//
// It wires configuration, the local credential cache, the session service
// client and an interactive REPL. Typical flow: resume a cached session or
// prompt for credentials, start a background connectivity watcher, and
// execute user commands.
//
// Key features:
//   - Login / Logout
//   - WhoAmI, rotating the session transparently when the access credential expires
//   - Refresh, an explicit rotation
//
// The REPL is started via App.Root(ctx), which blocks until the user exits.
// See App, StartOnlineStatusWatcher, and runREPL for details.
package cli
