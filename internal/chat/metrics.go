package chat

import (
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	provider "github.com/MrWong99/parley/pkg/provider/chat"
)

// RequestMetric is one attempt against one provider, success or failure.
// Every fallback attempt produces its own entry so an exhausted chain still
// leaves a complete audit trail.
type RequestMetric struct {
	ID        string
	SessionID string
	Provider  string
	Model     string
	Stream    bool
	Attempt   int
	Success   bool
	ErrorCode provider.Code
	Tokens    int
	Duration  time.Duration
	Timestamp time.Time
}

// ProviderPerformance aggregates the metrics log per provider.
type ProviderPerformance struct {
	Provider    string
	Requests    int
	Failures    int
	SuccessRate float64
	AvgDuration time.Duration
	TotalTokens int
}

// metricsLog is the bounded in-memory request metrics log. The cap is
// enforced on append by dropping the oldest entries; the recurring prune
// cycle trims the log to the most recent trimTo entries and drops anything
// older than 24 hours.
type metricsLog struct {
	maxEntries int
	trimTo     int

	mu      sync.Mutex
	entries []RequestMetric

	cron *cron.Cron
}

func newMetricsLog(maxEntries, trimTo int) *metricsLog {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	if trimTo <= 0 || trimTo > maxEntries {
		trimTo = maxEntries / 2
	}
	return &metricsLog{maxEntries: maxEntries, trimTo: trimTo}
}

// record appends one entry, dropping the oldest when the cap is exceeded.
func (l *metricsLog) record(m RequestMetric) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, m)
	if len(l.entries) > l.maxEntries {
		l.entries = l.entries[len(l.entries)-l.maxEntries:]
	}
}

// snapshot returns entries, filtered by session when sessionID is non-empty.
func (l *metricsLog) snapshot(sessionID string) []RequestMetric {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]RequestMetric, 0, len(l.entries))
	for _, m := range l.entries {
		if sessionID == "" || m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	return out
}

// prune runs one prune cycle: entries older than maxAge are dropped and the
// remainder is trimmed to the most recent trimTo entries. Returns how many
// entries were removed.
func (l *metricsLog) prune(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	l.mu.Lock()
	defer l.mu.Unlock()

	before := len(l.entries)
	kept := l.entries[:0]
	for _, m := range l.entries {
		if !m.Timestamp.Before(cutoff) {
			kept = append(kept, m)
		}
	}
	if len(kept) > l.trimTo {
		kept = kept[len(kept)-l.trimTo:]
	}
	l.entries = kept
	return before - len(kept)
}

// providerPerformance aggregates all entries per provider, ordered by first
// appearance in the log.
func (l *metricsLog) providerPerformance() []ProviderPerformance {
	l.mu.Lock()
	defer l.mu.Unlock()

	index := make(map[string]int)
	var out []ProviderPerformance
	totals := make(map[string]time.Duration)

	for _, m := range l.entries {
		if m.Provider == "" {
			continue
		}
		i, ok := index[m.Provider]
		if !ok {
			i = len(out)
			index[m.Provider] = i
			out = append(out, ProviderPerformance{Provider: m.Provider})
		}
		out[i].Requests++
		if m.Success {
			out[i].TotalTokens += m.Tokens
		} else {
			out[i].Failures++
		}
		totals[m.Provider] += m.Duration
	}

	for i := range out {
		p := &out[i]
		p.SuccessRate = float64(p.Requests-p.Failures) / float64(p.Requests)
		p.AvgDuration = totals[p.Provider] / time.Duration(p.Requests)
	}
	return out
}

// startDailySweep schedules the daily prune cycle.
func (l *metricsLog) startDailySweep() {
	l.cron = cron.New()
	l.cron.AddFunc("@daily", func() {
		if dropped := l.prune(24 * time.Hour); dropped > 0 {
			slog.Info("metrics log pruned", "dropped", dropped)
		}
	})
	l.cron.Start()
}

func (l *metricsLog) stop() {
	if l.cron != nil {
		l.cron.Stop()
	}
}
