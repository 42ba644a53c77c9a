package proc

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/hostbridge/internal/registry"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidNSID   = errors.New("proc: nsid must be positive")
	ErrProcessGone   = errors.New("proc: owning process is no longer registered")
	ErrOwnerMismatch = errors.New("proc: thread nsid is registered to another process")
)

// ProcessInfo describes a process as reported at checkin.
type ProcessInfo struct {
	NSID       NSID
	ParentNSID NSID
	HostPID    int32
}

// ThreadInfo describes a thread as reported at checkin, together with the
// process it belongs to.
type ThreadInfo struct {
	NSID    NSID
	HostTID int32
	Process ProcessInfo
}

// Table ties the process and thread registries together and implements the
// checkin and teardown rules that span both.
//
// Lock order is threads before processes: the thread factory reads the
// process registry through its regular read path, and nothing here ever holds
// the process lock while touching threads.
type Table struct {
	Processes *Processes
	Threads   *Threads

	ids idAllocator
	now func() time.Time
}

func NewTable() *Table {
	return newTable(
		registry.NewNamed[ID, NSID, *Process]("processes"),
		registry.NewNamed[ID, NSID, *Thread]("threads"),
	)
}

func newTable(processes *Processes, threads *Threads) *Table {
	return &Table{
		Processes: processes,
		Threads:   threads,
		now:       time.Now,
	}
}

// CheckinProcess returns the process registered under info.NSID, creating it
// when the guest reports it for the first time. A new process is linked to
// its parent if the parent is registered at that moment.
func (t *Table) CheckinProcess(info ProcessInfo) (*Process, error) {
	if info.NSID <= 0 {
		return nil, fmt.Errorf("%w: process nsid=%d", ErrInvalidNSID, info.NSID)
	}

	var created bool
	p, err := t.Processes.RegisterIfAbsent(info.NSID, func(held *processToken) (*Process, error) {
		p := &Process{
			id:         t.ids.processID(),
			nsid:       info.NSID,
			hostPID:    info.HostPID,
			parentNSID: info.ParentNSID,
			startedAt:  t.now(),
		}
		if info.ParentNSID > 0 && info.ParentNSID != info.NSID {
			if parent, ok := held.LookupByNSID(info.ParentNSID); ok {
				p.parent = parent
			}
		}
		created = true
		return p, nil
	})
	if err != nil {
		return nil, fmt.Errorf("checkin process nsid=%d: %w", info.NSID, err)
	}

	if created {
		log.Debug().
			Uint64("id", uint64(p.id)).
			Int32("nsid", int32(p.nsid)).
			Int32("host_pid", p.hostPID).
			Int32("parent_nsid", int32(p.parentNSID)).
			Bool("parent_linked", p.parent != nil).
			Msg("process checked in")
	} else if info.HostPID != 0 && p.hostPID != 0 && info.HostPID != p.hostPID {
		log.Warn().
			Int32("nsid", int32(p.nsid)).
			Int32("registered_host_pid", p.hostPID).
			Int32("reported_host_pid", info.HostPID).
			Msg("process nsid reused without exit")
	}
	return p, nil
}

// CheckinThread checks in the owning process and then returns the thread
// registered under info.NSID, creating it if needed.
func (t *Table) CheckinThread(info ThreadInfo) (*Thread, error) {
	if info.NSID <= 0 {
		return nil, fmt.Errorf("%w: thread nsid=%d", ErrInvalidNSID, info.NSID)
	}
	owner, err := t.CheckinProcess(info.Process)
	if err != nil {
		return nil, err
	}

	th, err := t.Threads.RegisterIfAbsent(info.NSID, func(*threadToken) (*Thread, error) {
		// The owner may have exited between its checkin and now.
		if current, ok := t.Processes.LookupByNSID(owner.nsid); !ok || current != owner {
			return nil, fmt.Errorf("%w: process nsid=%d", ErrProcessGone, owner.nsid)
		}
		return &Thread{
			id:        t.ids.threadID(),
			nsid:      info.NSID,
			hostTID:   info.HostTID,
			process:   owner,
			startedAt: t.now(),
		}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("checkin thread nsid=%d: %w", info.NSID, err)
	}
	if th.process != owner {
		return th, fmt.Errorf("%w: thread nsid=%d owner nsid=%d", ErrOwnerMismatch, th.nsid, th.process.nsid)
	}
	return th, nil
}

// CheckoutThread removes the thread registered under nsid.
func (t *Table) CheckoutThread(nsid NSID) (*Thread, error) {
	th, ok := t.Threads.LookupByNSID(nsid)
	if !ok {
		return nil, fmt.Errorf("checkout thread: %w: nsid=%d", registry.ErrNotFound, nsid)
	}
	if err := t.Threads.Unregister(th); err != nil {
		return nil, fmt.Errorf("checkout thread nsid=%d: %w", nsid, err)
	}
	log.Debug().Uint64("id", uint64(th.id)).Int32("nsid", int32(nsid)).Msg("thread checked out")
	return th, nil
}

// ExitProcess removes the process registered under nsid and every thread it
// owns. It returns the removed threads.
func (t *Table) ExitProcess(nsid NSID) ([]*Thread, error) {
	p, ok := t.Processes.LookupByNSID(nsid)
	if !ok {
		return nil, fmt.Errorf("exit process: %w: nsid=%d", registry.ErrNotFound, nsid)
	}
	return t.RemoveProcess(p)
}

// RemoveProcess is ExitProcess for a process the caller already holds. It
// fails without touching anything when p is no longer the registered entry.
func (t *Table) RemoveProcess(p *Process) ([]*Thread, error) {
	if err := t.Processes.Unregister(p); err != nil {
		return nil, fmt.Errorf("exit process nsid=%d: %w", p.nsid, err)
	}

	// The process is gone, so no new thread can check in under it.
	threads := t.ThreadsOf(p)
	removed := threads[:0]
	var errs []error
	for _, th := range threads {
		err := t.Threads.Unregister(th)
		switch {
		case err == nil:
			removed = append(removed, th)
		case errors.Is(err, registry.ErrNotFound):
			// checked out concurrently
		default:
			errs = append(errs, err)
		}
	}

	log.Debug().
		Uint64("id", uint64(p.id)).
		Int32("nsid", int32(p.nsid)).
		Int("threads", len(removed)).
		Msg("process exited")
	if len(errs) > 0 {
		return removed, fmt.Errorf("exit process nsid=%d: %w", p.nsid, errors.Join(errs...))
	}
	return removed, nil
}

// ThreadsOf returns the registered threads owned by p.
func (t *Table) ThreadsOf(p *Process) []*Thread {
	var out []*Thread
	t.Threads.Range(func(th *Thread) bool {
		if th.process == p {
			out = append(out, th)
		}
		return true
	})
	return out
}

// Check verifies both registries.
func (t *Table) Check() error {
	return errors.Join(t.Processes.Check(), t.Threads.Check())
}
