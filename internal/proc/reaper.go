package proc

import (
	"context"
	"errors"
	"time"

	"github.com/danmuck/hostbridge/internal/observability"
	"github.com/danmuck/hostbridge/internal/registry"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/process"
)

// HostProbe answers whether a host pid still exists.
type HostProbe interface {
	Alive(ctx context.Context, pid int32) (bool, error)
}

type hostProbe struct{}

// HostProcesses probes the host process table.
func HostProcesses() HostProbe {
	return hostProbe{}
}

func (hostProbe) Alive(ctx context.Context, pid int32) (bool, error) {
	return process.PidExistsWithContext(ctx, pid)
}

// Reaper removes processes whose host process died without the guest
// reporting the exit. Processes with an unknown host pid are left alone.
type Reaper struct {
	table    *Table
	probe    HostProbe
	interval time.Duration
}

func NewReaper(table *Table, probe HostProbe, interval time.Duration) *Reaper {
	if probe == nil {
		probe = HostProcesses()
	}
	return &Reaper{table: table, probe: probe, interval: interval}
}

// Run sweeps every interval until ctx is done. A non-positive interval
// disables reaping and Run just waits for ctx.
func (r *Reaper) Run(ctx context.Context) error {
	if r.interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("reaper sweep failed")
			}
		}
	}
}

// Sweep checks every registered process once and returns how many it removed.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	var (
		reaped int
		errs   []error
	)
	for _, p := range r.table.Processes.Snapshot() {
		if err := ctx.Err(); err != nil {
			return reaped, err
		}
		if p.hostPID <= 0 {
			continue
		}
		alive, err := r.probe.Alive(ctx, p.hostPID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if alive {
			continue
		}

		threads, err := r.table.RemoveProcess(p)
		if err != nil {
			// Exited or replaced since the snapshot.
			if errors.Is(err, registry.ErrNotFound) || errors.Is(err, registry.ErrInconsistent) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		reaped++
		observability.RecordReaped(len(threads))
		log.Info().
			Int32("nsid", int32(p.nsid)).
			Int32("host_pid", p.hostPID).
			Int("threads", len(threads)).
			Msg("reaped process")
	}
	return reaped, errors.Join(errs...)
}
