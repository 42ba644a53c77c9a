package admin

import (
	"sort"
	"time"

	"github.com/danmuck/hostbridge/internal/proc"
)

type ProcessView struct {
	ID         uint64    `json:"id"`
	NSID       int32     `json:"nsid"`
	HostPID    int32     `json:"host_pid"`
	ParentNSID int32     `json:"parent_nsid"`
	ParentID   *uint64   `json:"parent_id,omitempty"`
	Threads    int       `json:"threads"`
	StartedAt  time.Time `json:"started_at"`
}

type ThreadView struct {
	ID          uint64    `json:"id"`
	NSID        int32     `json:"nsid"`
	HostTID     int32     `json:"host_tid"`
	ProcessNSID int32     `json:"process_nsid"`
	ProcessID   uint64    `json:"process_id"`
	StartedAt   time.Time `json:"started_at"`
}

type CheckView struct {
	Entries int    `json:"entries"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

func processView(p *proc.Process, threads int) ProcessView {
	v := ProcessView{
		ID:         uint64(p.ID()),
		NSID:       int32(p.NSID()),
		HostPID:    p.HostPID(),
		ParentNSID: int32(p.ParentNSID()),
		Threads:    threads,
		StartedAt:  p.StartedAt(),
	}
	if parent := p.Parent(); parent != nil {
		id := uint64(parent.ID())
		v.ParentID = &id
	}
	return v
}

func threadView(th *proc.Thread) ThreadView {
	return ThreadView{
		ID:          uint64(th.ID()),
		NSID:        int32(th.NSID()),
		HostTID:     th.HostTID(),
		ProcessNSID: int32(th.Process().NSID()),
		ProcessID:   uint64(th.Process().ID()),
		StartedAt:   th.StartedAt(),
	}
}

func sortThreads(views []ThreadView) {
	sort.Slice(views, func(i, j int) bool { return views[i].NSID < views[j].NSID })
}

func checkView(entries int, err error) CheckView {
	v := CheckView{Entries: entries, OK: err == nil}
	if err != nil {
		v.Error = err.Error()
	}
	return v
}
