//go:build !deadlock

// Package syncutil provides the mutex types guarding the dispatcher queue,
// session book-keeping, and device state. By default they are plain sync.Mutex
// and sync.RWMutex with zero overhead. Build with -tags=deadlock to swap in
// github.com/sasha-s/go-deadlock and catch lock-ordering mistakes between the
// dispatcher worker and callers.
package syncutil

import "sync"

// Mutex wraps sync.Mutex. Build with -tags=deadlock for deadlock detection.
//
//nolint:gocritic // Intentionally embedding sync.Mutex to expose its interface
type Mutex struct {
	sync.Mutex
}

// RWMutex wraps sync.RWMutex. Build with -tags=deadlock for deadlock detection.
//
//nolint:gocritic // Intentionally embedding sync.RWMutex to expose its interface
type RWMutex struct {
	sync.RWMutex
}
