// Package admin serves the read-only HTTP view of the bridge: health,
// metrics and the live process and thread tables.
package admin

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/danmuck/hostbridge/internal/observability"
	"github.com/danmuck/hostbridge/internal/proc"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

type Admin struct {
	table   *proc.Table
	router  *gin.Engine
	started time.Time
}

func New(table *proc.Table, corsOrigins []string) *Admin {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type", observability.RequestIDHeader},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	a := &Admin{table: table, router: r, started: time.Now()}
	a.registerRoutes()
	return a
}

func (a *Admin) Handler() http.Handler {
	return a.router
}

// HTTPServer returns a server for addr with conservative timeouts.
func (a *Admin) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

func (a *Admin) registerRoutes() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(a.started).String(),
			"service":   "hostbridge",
			"version":   version,
			"processes": a.table.Processes.Len(),
			"threads":   a.table.Threads.Len(),
		})
	})

	a.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.router.GET("/processes", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"processes": a.processes()})
	})

	a.router.GET("/processes/:nsid", func(c *gin.Context) {
		nsid, err := strconv.ParseInt(c.Param("nsid"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "nsid must be a 32-bit integer"})
			return
		}
		p, ok := a.table.Processes.LookupByNSID(proc.NSID(nsid))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "process not found"})
			return
		}
		threads := a.table.ThreadsOf(p)
		views := make([]ThreadView, 0, len(threads))
		for _, th := range threads {
			views = append(views, threadView(th))
		}
		sortThreads(views)
		c.JSON(http.StatusOK, gin.H{
			"process": processView(p, len(threads)),
			"threads": views,
		})
	})

	a.router.GET("/threads", func(c *gin.Context) {
		threads := a.table.Threads.Snapshot()
		views := make([]ThreadView, 0, len(threads))
		for _, th := range threads {
			views = append(views, threadView(th))
		}
		sortThreads(views)
		c.JSON(http.StatusOK, gin.H{"threads": views})
	})

	a.router.GET("/debug/registry", func(c *gin.Context) {
		procs := checkView(a.table.Processes.Len(), a.table.Processes.Check())
		threads := checkView(a.table.Threads.Len(), a.table.Threads.Check())
		status := http.StatusOK
		if !procs.OK || !threads.OK {
			status = http.StatusInternalServerError
		}
		c.JSON(status, gin.H{"processes": procs, "threads": threads})
	})
}

func (a *Admin) processes() []ProcessView {
	counts := make(map[*proc.Process]int)
	a.table.Threads.Range(func(th *proc.Thread) bool {
		counts[th.Process()]++
		return true
	})
	procs := a.table.Processes.Snapshot()
	views := make([]ProcessView, 0, len(procs))
	for _, p := range procs {
		views = append(views, processView(p, counts[p]))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].NSID < views[j].NSID })
	return views
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
