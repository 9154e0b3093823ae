//go:build deadlock

// Package syncutil holds the lock types used by the engine and transports.
// Built with -tags=deadlock they report lock-order inversions and long waits.
package syncutil

import (
	"time"

	deadlock "github.com/sasha-s/go-deadlock"
)

func init() {
	// engine callbacks run outside the lock, so anything held this long is stuck
	deadlock.Opts.DeadlockTimeout = 5 * time.Second
}

// Mutex is a deadlock-detecting mutex.
type Mutex struct {
	deadlock.Mutex
}

// RWMutex is a deadlock-detecting reader/writer mutex.
type RWMutex struct {
	deadlock.RWMutex
}

// DetectionEnabled reports whether lock diagnostics are compiled in.
const DetectionEnabled = true
