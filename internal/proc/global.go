package proc

import (
	"sync"

	"github.com/danmuck/hostbridge/internal/registry"
)

var (
	processes     *Processes
	processesOnce sync.Once

	threads     *Threads
	threadsOnce sync.Once

	defaultTable     *Table
	defaultTableOnce sync.Once
)

// ProcessRegistry returns the process registry shared by the whole server.
// It is created on first use and lives until the program exits.
func ProcessRegistry() *Processes {
	processesOnce.Do(func() {
		processes = registry.NewNamed[ID, NSID, *Process]("processes")
	})
	return processes
}

// ThreadRegistry is ProcessRegistry for threads.
func ThreadRegistry() *Threads {
	threadsOnce.Do(func() {
		threads = registry.NewNamed[ID, NSID, *Thread]("threads")
	})
	return threads
}

// Default returns the Table over the two shared registries.
func Default() *Table {
	defaultTableOnce.Do(func() {
		defaultTable = newTable(ProcessRegistry(), ThreadRegistry())
	})
	return defaultTable
}
