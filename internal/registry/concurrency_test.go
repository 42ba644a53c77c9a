package registry

import (
	"errors"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/danmuck/hostbridge/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRegisterIfAbsentCreatesOnceUnderContention races many goroutines, each
// with its own factory, on one nsid.
func TestRegisterIfAbsentCreatesOnceUnderContention(t *testing.T) {
	testlog.Start(t)
	r := newNodes()
	workers := 8 * runtime.GOMAXPROCS(0)

	var created atomic.Int32
	results := make([]*node, workers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			got, err := r.RegisterIfAbsent(42, func(*Locked[int, int32, *node]) (*node, error) {
				created.Add(1)
				return &node{id: 1000 + i, nsid: 42}, nil
			})
			assert.NoError(t, err)
			results[i] = got
		}(i)
	}
	close(start)
	wg.Wait()

	require.Equal(t, int32(1), created.Load())
	for i := 1; i < workers; i++ {
		require.Same(t, results[0], results[i])
	}
	assert.Equal(t, 1, r.Len())
	require.NoError(t, r.Check())
}

// TestInvariantsHoldAfterEveryOperation replays a random operation sequence
// and checks both index views after each step.
func TestInvariantsHoldAfterEveryOperation(t *testing.T) {
	testlog.Start(t)
	r := newNodes()
	rng := rand.New(rand.NewSource(7))
	live := map[int]*node{}

	for step := 0; step < 5000; step++ {
		id := rng.Intn(32)
		nsid := int32(rng.Intn(32))
		switch rng.Intn(5) {
		case 0:
			n := &node{id: id, nsid: nsid}
			if err := r.Register(n, false); err == nil {
				live[id] = n
			} else {
				require.ErrorIs(t, err, ErrExists)
			}
		case 1:
			n, err := r.RegisterIfAbsent(nsid, func(held *Locked[int, int32, *node]) (*node, error) {
				if _, taken := held.LookupByID(id); taken {
					return nil, ErrExists
				}
				return &node{id: id, nsid: nsid}, nil
			})
			if err == nil {
				live[n.id] = n
			}
		case 2:
			if err := r.UnregisterByID(id); err == nil {
				delete(live, id)
			} else {
				require.ErrorIs(t, err, ErrNotFound)
			}
		case 3:
			if n, ok := r.LookupByNSID(nsid); ok {
				require.NoError(t, r.UnregisterByNSID(nsid))
				delete(live, n.id)
			}
		case 4:
			if n, ok := live[id]; ok {
				require.NoError(t, r.Unregister(n))
				delete(live, id)
			}
		}
		require.NoError(t, r.Check(), "step %d", step)
		require.Equal(t, len(live), r.Len(), "step %d", step)
	}
}

// TestConcurrentOverlappingIdentifiers hammers one registry from many
// goroutines drawing from a small shared ID space, with a checker running
// alongside.
func TestConcurrentOverlappingIdentifiers(t *testing.T) {
	testlog.Start(t)
	r := newNodes()
	workers := 4 * runtime.GOMAXPROCS(0)
	const opsPerWorker = 2000
	const space = 16

	stop := make(chan struct{})
	checkerDone := make(chan error, 1)
	go func() {
		for {
			select {
			case <-stop:
				checkerDone <- nil
				return
			default:
			}
			if err := r.Check(); err != nil {
				checkerDone <- err
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			mine := make([]*node, 0, 8)
			for i := 0; i < opsPerWorker; i++ {
				id := rng.Intn(space)
				nsid := int32(rng.Intn(space))
				switch rng.Intn(4) {
				case 0:
					n := &node{id: id, nsid: nsid}
					if err := r.Register(n, false); err == nil {
						mine = append(mine, n)
					} else if !errors.Is(err, ErrExists) {
						t.Errorf("register: %v", err)
					}
				case 1:
					var built *node
					n, err := r.RegisterIfAbsent(nsid, func(held *Locked[int, int32, *node]) (*node, error) {
						if _, taken := held.LookupByID(id); taken {
							return nil, ErrExists
						}
						built = &node{id: id, nsid: nsid}
						return built, nil
					})
					if err == nil && n == built {
						mine = append(mine, n)
					}
				case 2:
					if len(mine) == 0 {
						continue
					}
					k := rng.Intn(len(mine))
					if err := r.Unregister(mine[k]); err != nil {
						t.Errorf("unregister own entry: %v", err)
					}
					mine = append(mine[:k], mine[k+1:]...)
				case 3:
					if n, ok := r.LookupByNSID(nsid); ok && n.NSID() != nsid {
						t.Errorf("lookup nsid=%d returned nsid=%d", nsid, n.NSID())
					}
				}
			}
		}(int64(w + 1))
	}
	wg.Wait()
	close(stop)
	require.NoError(t, <-checkerDone)
	require.NoError(t, r.Check())

	seenIDs := map[int]bool{}
	seenNSIDs := map[int32]bool{}
	for _, n := range r.Snapshot() {
		require.False(t, seenIDs[n.id], "duplicate id %d", n.id)
		require.False(t, seenNSIDs[n.nsid], "duplicate nsid %d", n.nsid)
		seenIDs[n.id] = true
		seenNSIDs[n.nsid] = true
	}
}
