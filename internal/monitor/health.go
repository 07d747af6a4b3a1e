package monitor

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"time"

	"github.com/minssan9/investand/internal/ratelimit"
	"golang.org/x/sys/unix"
)

type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// rank orders statuses from best to worst so overall can take the maximum.
func (s HealthStatus) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

func worst(a, b HealthStatus) HealthStatus {
	if b.rank() > a.rank() {
		return b
	}

	return a
}

type ComponentHealth struct {
	Status  HealthStatus `json:"status"`
	Message string       `json:"message"`
}

type HealthReport struct {
	Overall         HealthStatus               `json:"overall"`
	Components      map[string]ComponentHealth `json:"components"`
	Timestamp       time.Time                  `json:"timestamp"`
	Recommendations []string                   `json:"recommendations,omitempty"`
}

// HealthConfig thresholds are tunable defaults, not contracts.
type HealthConfig struct {
	DBLatencyDegraded time.Duration
	HeapDegraded      float64
	HeapUnhealthy     float64
	DiskDegraded      float64
	DiskUnhealthy     float64
	BacklogDegraded   int
	BacklogUnhealthy  int
	DiskPath          string
}

func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		DBLatencyDegraded: 5 * time.Second,
		HeapDegraded:      0.70,
		HeapUnhealthy:     0.90,
		DiskDegraded:      0.80,
		DiskUnhealthy:     0.95,
		BacklogDegraded:   100,
		BacklogUnhealthy:  1000,
		DiskPath:          "/",
	}
}

// HealthMonitor runs independent component probes and folds them into one
// report. Probe functions are injectable so tests can force any condition.
type HealthMonitor struct {
	cfg        HealthConfig
	db         *sql.DB
	limiter    *ratelimit.Limiter
	queueDepth func() int

	heapUsage func() float64
	diskUsage func(path string) (float64, error)
}

func NewHealthMonitor(cfg HealthConfig, db *sql.DB, limiter *ratelimit.Limiter, queueDepth func() int) *HealthMonitor {
	defaults := DefaultHealthConfig()
	if cfg.DBLatencyDegraded <= 0 {
		cfg.DBLatencyDegraded = defaults.DBLatencyDegraded
	}
	if cfg.HeapDegraded <= 0 {
		cfg.HeapDegraded = defaults.HeapDegraded
	}
	if cfg.HeapUnhealthy <= 0 {
		cfg.HeapUnhealthy = defaults.HeapUnhealthy
	}
	if cfg.DiskDegraded <= 0 {
		cfg.DiskDegraded = defaults.DiskDegraded
	}
	if cfg.DiskUnhealthy <= 0 {
		cfg.DiskUnhealthy = defaults.DiskUnhealthy
	}
	if cfg.BacklogDegraded <= 0 {
		cfg.BacklogDegraded = defaults.BacklogDegraded
	}
	if cfg.BacklogUnhealthy <= 0 {
		cfg.BacklogUnhealthy = defaults.BacklogUnhealthy
	}
	if cfg.DiskPath == "" {
		cfg.DiskPath = defaults.DiskPath
	}

	return &HealthMonitor{
		cfg:        cfg,
		db:         db,
		limiter:    limiter,
		queueDepth: queueDepth,
		heapUsage:  heapUsage,
		diskUsage:  diskUsage,
	}
}

// Check runs every probe and returns the aggregated report. It never returns
// an error; failures surface as unhealthy components.
func (m *HealthMonitor) Check(ctx context.Context) HealthReport {
	report := HealthReport{
		Overall:    StatusHealthy,
		Components: make(map[string]ComponentHealth),
		Timestamp:  time.Now(),
	}

	checks := map[string]func(context.Context) ComponentHealth{
		"database":     m.checkDatabase,
		"memory":       m.checkMemory,
		"disk":         m.checkDisk,
		"external_api": m.checkExternalAPIs,
		"queue":        m.checkQueueBacklog,
	}

	for name, check := range checks {
		health := check(ctx)
		report.Components[name] = health
		report.Overall = worst(report.Overall, health.Status)

		if health.Status != StatusHealthy {
			if rec := recommend(name, health); rec != "" {
				report.Recommendations = append(report.Recommendations, rec)
			}
		}
	}

	return report
}

func (m *HealthMonitor) checkDatabase(ctx context.Context) ComponentHealth {
	if m.db == nil {
		return ComponentHealth{Status: StatusDegraded, Message: "no database pool configured"}
	}

	start := time.Now()
	err := m.db.PingContext(ctx)
	latency := time.Since(start)

	switch {
	case err != nil:
		return ComponentHealth{Status: StatusUnhealthy, Message: fmt.Sprintf("ping failed: %v", err)}
	case latency > m.cfg.DBLatencyDegraded:
		return ComponentHealth{Status: StatusDegraded, Message: fmt.Sprintf("ping took %s", latency)}
	default:
		return ComponentHealth{Status: StatusHealthy, Message: fmt.Sprintf("ping took %s", latency)}
	}
}

func (m *HealthMonitor) checkMemory(context.Context) ComponentHealth {
	usage := m.heapUsage()
	msg := fmt.Sprintf("heap %.0f%% used", usage*100)

	switch {
	case usage > m.cfg.HeapUnhealthy:
		return ComponentHealth{Status: StatusUnhealthy, Message: msg}
	case usage > m.cfg.HeapDegraded:
		return ComponentHealth{Status: StatusDegraded, Message: msg}
	default:
		return ComponentHealth{Status: StatusHealthy, Message: msg}
	}
}

func (m *HealthMonitor) checkDisk(context.Context) ComponentHealth {
	usage, err := m.diskUsage(m.cfg.DiskPath)
	if err != nil {
		return ComponentHealth{Status: StatusDegraded, Message: fmt.Sprintf("disk usage unavailable: %v", err)}
	}

	msg := fmt.Sprintf("%.0f%% of %s used", usage*100, m.cfg.DiskPath)
	switch {
	case usage > m.cfg.DiskUnhealthy:
		return ComponentHealth{Status: StatusUnhealthy, Message: msg}
	case usage > m.cfg.DiskDegraded:
		return ComponentHealth{Status: StatusDegraded, Message: msg}
	default:
		return ComponentHealth{Status: StatusHealthy, Message: msg}
	}
}

func (m *HealthMonitor) checkExternalAPIs(context.Context) ComponentHealth {
	if m.limiter == nil {
		return ComponentHealth{Status: StatusHealthy, Message: "no external APIs registered"}
	}

	total := len(m.limiter.Keys())
	open := m.limiter.OpenCircuits()

	switch {
	case total == 0:
		return ComponentHealth{Status: StatusHealthy, Message: "no external APIs registered"}
	case open == total:
		return ComponentHealth{Status: StatusUnhealthy, Message: fmt.Sprintf("all %d provider circuits open", total)}
	case open > 0:
		return ComponentHealth{Status: StatusDegraded, Message: fmt.Sprintf("%d of %d provider circuits open", open, total)}
	default:
		return ComponentHealth{Status: StatusHealthy, Message: fmt.Sprintf("%d providers responsive", total)}
	}
}

func (m *HealthMonitor) checkQueueBacklog(context.Context) ComponentHealth {
	if m.queueDepth == nil {
		return ComponentHealth{Status: StatusHealthy, Message: "no queues registered"}
	}

	depth := m.queueDepth()
	msg := fmt.Sprintf("%d jobs pending", depth)

	switch {
	case depth >= m.cfg.BacklogUnhealthy:
		return ComponentHealth{Status: StatusUnhealthy, Message: msg}
	case depth >= m.cfg.BacklogDegraded:
		return ComponentHealth{Status: StatusDegraded, Message: msg}
	default:
		return ComponentHealth{Status: StatusHealthy, Message: msg}
	}
}

func recommend(component string, health ComponentHealth) string {
	switch component {
	case "memory":
		return "memory pressure detected: reduce collection batch size or add workers on another host"
	case "database":
		return "database is slow or unreachable: check connection pool settings and server load"
	case "disk":
		return "disk filling up: prune old report exports and rotate logs"
	case "external_api":
		return "provider circuits open: verify API credentials and provider status pages"
	case "queue":
		return "queue backlog growing: raise rate limits if providers allow, or spread jobs across sources"
	default:
		return fmt.Sprintf("%s is %s: %s", component, health.Status, health.Message)
	}
}

func heapUsage() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.HeapSys == 0 {
		return 0
	}

	return float64(ms.HeapAlloc) / float64(ms.HeapSys)
}

func diskUsage(path string) (float64, error) {
	var fs unix.Statfs_t
	if err := unix.Statfs(path, &fs); err != nil {
		return 0, err
	}
	if fs.Blocks == 0 {
		return 0, nil
	}

	used := fs.Blocks - fs.Bavail
	return float64(used) / float64(fs.Blocks), nil
}
