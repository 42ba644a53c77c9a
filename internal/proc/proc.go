// Package proc tracks the guest processes and threads that have checked in
// with the server. Each one is indexed both by a server-allocated ID and by
// the pid or tid the guest namespace knows it by.
package proc

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/danmuck/hostbridge/internal/registry"
)

// ID is a server-internal identifier. IDs come from a counter per entity kind
// and are never reused while the server runs.
type ID uint64

// NSID is the pid or tid of an entity inside the guest namespace.
type NSID int32

type (
	Processes = registry.Registry[ID, NSID, *Process]
	Threads   = registry.Registry[ID, NSID, *Thread]

	processToken = registry.Locked[ID, NSID, *Process]
	threadToken  = registry.Locked[ID, NSID, *Thread]
)

type Process struct {
	id         ID
	nsid       NSID
	hostPID    int32
	parentNSID NSID
	parent     *Process
	startedAt  time.Time
}

func (p *Process) ID() ID     { return p.id }
func (p *Process) NSID() NSID { return p.nsid }

// HostPID is the pid of the process on the host side, or 0 when unknown.
func (p *Process) HostPID() int32 { return p.hostPID }

func (p *Process) ParentNSID() NSID { return p.parentNSID }

// Parent is the parent process as it was registered when p checked in. It
// stays valid after the parent exits; nil when the parent was not tracked.
func (p *Process) Parent() *Process { return p.parent }

func (p *Process) StartedAt() time.Time { return p.startedAt }

func (p *Process) String() string {
	return fmt.Sprintf("process(id=%d nsid=%d host_pid=%d)", p.id, p.nsid, p.hostPID)
}

type Thread struct {
	id        ID
	nsid      NSID
	hostTID   int32
	process   *Process
	startedAt time.Time
}

func (t *Thread) ID() ID               { return t.id }
func (t *Thread) NSID() NSID           { return t.nsid }
func (t *Thread) HostTID() int32       { return t.hostTID }
func (t *Thread) Process() *Process    { return t.process }
func (t *Thread) StartedAt() time.Time { return t.startedAt }

func (t *Thread) String() string {
	return fmt.Sprintf("thread(id=%d nsid=%d process=%d)", t.id, t.nsid, t.process.nsid)
}

type idAllocator struct {
	nextProcess atomic.Uint64
	nextThread  atomic.Uint64
}

func (a *idAllocator) processID() ID { return ID(a.nextProcess.Add(1)) }
func (a *idAllocator) threadID() ID  { return ID(a.nextThread.Add(1)) }
