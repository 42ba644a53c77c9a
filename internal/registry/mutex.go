//go:build !deadlock

package registry

import "sync"

type rwMutex = sync.RWMutex
