package query

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultSlowQueryThreshold is the duration above which a statement is logged as slow.
const DefaultSlowQueryThreshold = 100 * time.Millisecond

// QueryLogger logs statement executions through slog.
type QueryLogger struct {
	logger             *slog.Logger
	slowQueryThreshold time.Duration
	mask               bool // Mask parameter values
}

// NewQueryLogger creates a new query logger. A nil logger discards output.
func NewQueryLogger(logger *slog.Logger) *QueryLogger {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &QueryLogger{
		logger:             logger,
		slowQueryThreshold: DefaultSlowQueryThreshold,
	}
}

// SetSlowQueryThreshold sets the threshold for slow query warnings.
func (q *QueryLogger) SetSlowQueryThreshold(d time.Duration) {
	q.slowQueryThreshold = d
}

// SetMask controls whether argument values are replaced in log output.
func (q *QueryLogger) SetMask(mask bool) {
	q.mask = mask
}

// LogQuery logs a query execution.
func (q *QueryLogger) LogQuery(ctx context.Context, sql string, args []interface{}, duration time.Duration, err error) {
	attrs := []any{"sql", sql, "duration", duration}
	if len(args) > 0 {
		if q.mask {
			attrs = append(attrs, "args", "[MASKED]")
		} else {
			attrs = append(attrs, "args", args)
		}
	}

	if err != nil {
		q.logger.ErrorContext(ctx, "query failed", append(attrs, "error", err)...)
		return
	}

	if duration > q.slowQueryThreshold {
		q.logger.WarnContext(ctx, "slow query", attrs...)
		return
	}

	q.logger.DebugContext(ctx, "query executed", attrs...)
}

// QueryStats holds query execution statistics.
type QueryStats struct {
	TotalQueries  int64         `json:"totalQueries"`
	TotalDuration time.Duration `json:"totalDuration"`
	SlowQueries   int64         `json:"slowQueries"`
	Errors        int64         `json:"errors"`
	LastQuery     string        `json:"lastQuery,omitempty"`
	LastQueryAt   time.Time     `json:"lastQueryAt,omitzero"`
}

// StatsCollector collects query statistics. It is safe for concurrent use.
type StatsCollector struct {
	mu            sync.Mutex
	stats         QueryStats
	slowThreshold time.Duration
}

// NewStatsCollector creates a new statistics collector.
func NewStatsCollector(slowThreshold time.Duration) *StatsCollector {
	return &StatsCollector{
		slowThreshold: slowThreshold,
	}
}

// Record records a query execution.
func (s *StatsCollector) Record(sql string, duration time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.TotalQueries++
	s.stats.TotalDuration += duration
	s.stats.LastQuery = sql
	s.stats.LastQueryAt = time.Now()

	if err != nil {
		s.stats.Errors++
	}

	if duration > s.slowThreshold {
		s.stats.SlowQueries++
	}
}

// Stats returns the current statistics.
func (s *StatsCollector) Stats() QueryStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// AverageQueryTime returns the average query execution time.
func (s *StatsCollector) AverageQueryTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stats.TotalQueries == 0 {
		return 0
	}
	return s.stats.TotalDuration / time.Duration(s.stats.TotalQueries)
}

// Reset resets all statistics.
func (s *StatsCollector) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = QueryStats{}
}
