// Package timeouts defines shared timeout constants used across services.
package timeouts

import "time"

// GRPCDial caps the wait time when dialing a gRPC peer.
const GRPCDial = 2 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long servers wait for in-flight work during
// graceful shutdown.
const Shutdown = 5 * time.Second

// Publish caps one broker publish issued on a caller-visible path.
const Publish = 5 * time.Second

// LedgerCall caps a single ledger transaction issued by a consumer handler.
const LedgerCall = 10 * time.Second
