// Package client contains client-side building blocks for sessionkeeper.
//
// # Overview
//
// The package provides:
//  1. A transport-agnostic API contract (see the Client interface):
//     Login, Refresh, Logout, WhoAmI and Ping.
//  2. A concrete gRPC implementation (see GRPCClient) that manages a
//     connection, injects the access credential via an interceptor,
//     transparently rotates the refresh credential when the server asks for
//     re-authentication, and maps gRPC status codes to sentinel errors.
//  3. Local persistence bootstrap (InitDatabase, RunMigrations) for the
//     credential cache, an SQLite database with embedded goose migrations.
//
// # Error Handling
//
// Common conditions are exposed as sentinel errors that callers can match with
// errors.Is: ErrUnavailable, ErrUnauthorized, ErrLocalDataNotAvailable,
// ErrNotLoggedIn.
//
// Concurrency & Contexts
//
// GRPCClient is safe for concurrent use; rotations are serialized so a
// refresh credential is never presented twice.
package client
