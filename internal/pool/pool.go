// Package pool wraps a *sql.DB with a bounded connection acquire, per-query
// timing, health checks and advisory sizing suggestions.
package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"fleettrack/internal/cache"
	"fleettrack/internal/logging"
	"fleettrack/internal/metrics"
)

// ErrConnectionTimeout means no connection became free within AcquireTimeout.
// It is returned to the caller and never retried here.
var ErrConnectionTimeout = errors.New("connection pool: acquire timeout")

type Config struct {
	MaxOpenConns       int           `koanf:"max_open_conns"`
	MaxIdleConns       int           `koanf:"max_idle_conns"`
	ConnMaxLifetime    time.Duration `koanf:"conn_max_lifetime"`
	AcquireTimeout     time.Duration `koanf:"acquire_timeout"`
	ProbeTimeout       time.Duration `koanf:"probe_timeout"`
	MonitorInterval    time.Duration `koanf:"monitor_interval"`
	StatsResetInterval time.Duration `koanf:"stats_reset_interval"`
	MaxUtilization     float64       `koanf:"max_utilization"`
	MaxAvgWait         time.Duration `koanf:"max_avg_wait"`
	MaxErrorRate       float64       `koanf:"max_error_rate"`
}

func DefaultConfig() Config {
	return Config{
		MaxOpenConns:       20,
		MaxIdleConns:       5,
		ConnMaxLifetime:    30 * time.Minute,
		AcquireTimeout:     5 * time.Second,
		ProbeTimeout:       2 * time.Second,
		MonitorInterval:    time.Minute,
		StatsResetInterval: time.Hour,
		MaxUtilization:     0.95,
		MaxAvgWait:         5 * time.Second,
		MaxErrorRate:       0.10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = d.MaxOpenConns
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = d.MaxIdleConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = d.ConnMaxLifetime
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = d.AcquireTimeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = d.MonitorInterval
	}
	if c.StatsResetInterval <= 0 {
		c.StatsResetInterval = d.StatsResetInterval
	}
	if c.MaxUtilization <= 0 {
		c.MaxUtilization = d.MaxUtilization
	}
	if c.MaxAvgWait <= 0 {
		c.MaxAvgWait = d.MaxAvgWait
	}
	if c.MaxErrorRate <= 0 {
		c.MaxErrorRate = d.MaxErrorRate
	}
	return c
}

// QueryStat aggregates calls of one normalized statement.
type QueryStat struct {
	Query  string        `json:"query"`
	Count  int64         `json:"count"`
	Errors int64         `json:"errors"`
	Total  time.Duration `json:"totalNs"`
	Min    time.Duration `json:"minNs"`
	Max    time.Duration `json:"maxNs"`
}

func (s QueryStat) Avg() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

type Optimizer struct {
	db      *sql.DB
	cfg     Config
	statsFn func() sql.DBStats

	mu        sync.Mutex
	queries   map[string]*QueryStat
	calls     int64
	errs      int64
	lastReset time.Time
}

// Open connects through the pgx database/sql driver.
func Open(dsn string, cfg Config) (*Optimizer, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return New(db, cfg), nil
}

// New wraps db and applies the pool limits from cfg.
func New(db *sql.DB, cfg Config) *Optimizer {
	cfg = cfg.withDefaults()
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return &Optimizer{db: db, cfg: cfg, statsFn: db.Stats, queries: map[string]*QueryStat{}, lastReset: time.Now()}
}

func (o *Optimizer) DB() *sql.DB { return o.db }

func (o *Optimizer) Config() Config { return o.cfg }

func (o *Optimizer) Close() error { return o.db.Close() }

func (o *Optimizer) Stats() sql.DBStats { return o.statsFn() }

// Ping checks connectivity within ProbeTimeout.
func (o *Optimizer) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.ProbeTimeout)
	defer cancel()
	return o.db.PingContext(ctx)
}

func (o *Optimizer) acquire(ctx context.Context) (*sql.Conn, error) {
	actx, cancel := context.WithTimeout(ctx, o.cfg.AcquireTimeout)
	defer cancel()
	conn, err := o.db.Conn(actx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s", ErrConnectionTimeout, o.cfg.AcquireTimeout)
		}
		return nil, err
	}
	return conn, nil
}

// Query runs q and calls scan once per row.
func (o *Optimizer) Query(ctx context.Context, q string, args []any, scan func(*sql.Rows) error) (err error) {
	start := time.Now()
	defer func() { o.record(q, time.Since(start), err) }()

	conn, err := o.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	rows, err := conn.QueryContext(ctx, q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err = scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// QueryRow scans a single row into dest. sql.ErrNoRows is returned as is and
// not counted as a failure.
func (o *Optimizer) QueryRow(ctx context.Context, q string, args []any, dest ...any) (err error) {
	start := time.Now()
	defer func() {
		rerr := err
		if errors.Is(rerr, sql.ErrNoRows) {
			rerr = nil
		}
		o.record(q, time.Since(start), rerr)
	}()

	conn, err := o.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.QueryRowContext(ctx, q, args...).Scan(dest...)
}

func (o *Optimizer) Exec(ctx context.Context, q string, args ...any) (res sql.Result, err error) {
	start := time.Now()
	defer func() { o.record(q, time.Since(start), err) }()

	conn, err := o.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.ExecContext(ctx, q, args...)
}

func (o *Optimizer) record(q string, d time.Duration, err error) {
	key := cache.NormalizeQuery(q)
	result := "ok"
	if err != nil {
		result = "error"
		if errors.Is(err, ErrConnectionTimeout) {
			result = "timeout"
		}
	}
	metrics.PoolQueries.WithLabelValues(result).Inc()
	metrics.PoolQueryDuration.Observe(d.Seconds())

	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.queries[key]
	if !ok {
		s = &QueryStat{Query: key, Min: d}
		o.queries[key] = s
	}
	s.Count++
	s.Total += d
	if d < s.Min {
		s.Min = d
	}
	if d > s.Max {
		s.Max = d
	}
	o.calls++
	if err != nil {
		s.Errors++
		o.errs++
	}
}

// QueryStats returns per-statement stats, most total time first.
func (o *Optimizer) QueryStats() []QueryStat {
	o.mu.Lock()
	out := make([]QueryStat, 0, len(o.queries))
	for _, s := range o.queries {
		out = append(out, *s)
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Query < out[j].Query
	})
	return out
}

func (o *Optimizer) ResetStats() {
	o.mu.Lock()
	o.queries = map[string]*QueryStat{}
	o.calls, o.errs = 0, 0
	o.lastReset = time.Now()
	o.mu.Unlock()
}

func (o *Optimizer) errorRate() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.calls == 0 {
		return 0
	}
	return float64(o.errs) / float64(o.calls)
}

// Health is the result of one HealthCheck.
type Health struct {
	Healthy      bool          `json:"healthy"`
	Issues       []string      `json:"issues"`
	Utilization  float64       `json:"utilization"`
	ErrorRate    float64       `json:"errorRate"`
	AvgWait      time.Duration `json:"avgWaitNs"`
	ProbeLatency time.Duration `json:"probeLatencyNs"`
	Stats        sql.DBStats   `json:"stats"`
}

func utilization(s sql.DBStats) float64 {
	if s.MaxOpenConnections <= 0 {
		return 0
	}
	return float64(s.InUse) / float64(s.MaxOpenConnections)
}

func avgWait(s sql.DBStats) time.Duration {
	if s.WaitCount <= 0 {
		return 0
	}
	return s.WaitDuration / time.Duration(s.WaitCount)
}

// HealthCheck evaluates pool pressure and runs a live probe.
func (o *Optimizer) HealthCheck(ctx context.Context) Health {
	st := o.statsFn()
	h := Health{Utilization: utilization(st), ErrorRate: o.errorRate(), AvgWait: avgWait(st), Stats: st}
	metrics.PoolUtilization.Set(h.Utilization)
	metrics.PoolErrorRate.Set(h.ErrorRate)

	if h.Utilization > o.cfg.MaxUtilization {
		h.Issues = append(h.Issues, fmt.Sprintf("connection utilization %.0f%% exceeds %.0f%%", h.Utilization*100, o.cfg.MaxUtilization*100))
	}
	if h.AvgWait > o.cfg.MaxAvgWait {
		h.Issues = append(h.Issues, fmt.Sprintf("average connection wait %s exceeds %s", h.AvgWait, o.cfg.MaxAvgWait))
	}
	if h.ErrorRate > o.cfg.MaxErrorRate {
		h.Issues = append(h.Issues, fmt.Sprintf("query error rate %.1f%% exceeds %.1f%%", h.ErrorRate*100, o.cfg.MaxErrorRate*100))
	}
	start := time.Now()
	if err := o.Ping(ctx); err != nil {
		h.Issues = append(h.Issues, "probe failed: "+err.Error())
	}
	h.ProbeLatency = time.Since(start)
	h.Healthy = len(h.Issues) == 0
	return h
}

// slowQuery is the average above which a statement is called out.
const slowQuery = time.Second

// Suggestions returns advisory pool sizing notes. Nothing is changed.
func (o *Optimizer) Suggestions() []string {
	st := o.statsFn()
	var out []string
	u := utilization(st)
	switch {
	case u > 0.8:
		next := int(math.Ceil(float64(st.MaxOpenConnections) * 1.5))
		out = append(out, fmt.Sprintf("utilization %.0f%%: consider raising max open connections from %d to %d", u*100, st.MaxOpenConnections, next))
	case u < 0.2 && st.MaxOpenConnections > 10 && st.OpenConnections > 0:
		next := int(math.Max(10, float64(st.MaxOpenConnections)/2))
		out = append(out, fmt.Sprintf("utilization %.0f%%: max open connections could drop from %d to %d", u*100, st.MaxOpenConnections, next))
	}
	if w := avgWait(st); w > 100*time.Millisecond {
		out = append(out, fmt.Sprintf("callers wait %s on average for a connection", w))
	}
	if st.MaxIdleClosed > 0 && st.MaxIdleClosed > st.WaitCount {
		out = append(out, fmt.Sprintf("%d connections closed for exceeding max idle; consider raising max idle connections above %d", st.MaxIdleClosed, o.cfg.MaxIdleConns))
	}
	for _, q := range o.QueryStats() {
		if q.Avg() > slowQuery {
			out = append(out, fmt.Sprintf("slow query (avg %s over %d calls): %s", q.Avg().Round(time.Millisecond), q.Count, q.Query))
		}
	}
	return out
}

// Run logs health and suggestions every MonitorInterval and clears query
// stats every StatsResetInterval until ctx is done.
func (o *Optimizer) Run(ctx context.Context) error {
	mon := time.NewTicker(o.cfg.MonitorInterval)
	defer mon.Stop()
	reset := time.NewTicker(o.cfg.StatsResetInterval)
	defer reset.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-mon.C:
			h := o.HealthCheck(ctx)
			if !h.Healthy {
				logging.Warn().Str("component", "pool").Strs("issues", h.Issues).Float64("utilization", h.Utilization).Msg("database pool unhealthy")
			}
			for _, s := range o.Suggestions() {
				logging.Info().Str("component", "pool").Msg(s)
			}
		case <-reset.C:
			o.ResetStats()
			logging.Debug().Str("component", "pool").Msg("query stats cleared")
		}
	}
}
