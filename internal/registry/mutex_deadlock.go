//go:build deadlock

package registry

import "github.com/sasha-s/go-deadlock"

// Built with -tags deadlock, registries report lock-order inversions and
// waits longer than deadlock.Opts.DeadlockTimeout.
type rwMutex = deadlock.RWMutex
