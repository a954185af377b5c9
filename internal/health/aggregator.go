package health

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tidewater-ai/bastion/internal/metrics"
	"github.com/tidewater-ai/bastion/internal/store"
)

// Result is one component's outcome for one poll cycle.
type Result struct {
	Component string        `json:"component"`
	Timestamp time.Time     `json:"timestamp"`
	Status    Status        `json:"status"`
	Detail    string        `json:"detail"`
	Latency   time.Duration `json:"latency_ns"`
}

// Summary is the composite view over the latest result per component.
type Summary struct {
	Status     Status    `json:"status"`
	Components []Result  `json:"components"`
	Timestamp  time.Time `json:"timestamp"`
}

// Aggregator polls registered probes and persists one HealthCheckResult per
// component per cycle. Decisions use only the latest result; the table
// history serves trend queries.
type Aggregator struct {
	store        *store.Store
	log          *logrus.Entry
	probeTimeout time.Duration
	now          func() time.Time

	mu     sync.RWMutex
	probes []Probe
	latest map[string]Result
}

// NewAggregator creates an aggregator; each probe gets at most probeTimeout
// per cycle.
func NewAggregator(st *store.Store, probeTimeout time.Duration) *Aggregator {
	return &Aggregator{
		store:        st,
		log:          logrus.WithField("component", "health"),
		probeTimeout: probeTimeout,
		now:          time.Now,
		latest:       make(map[string]Result),
	}
}

// Register adds a probe. Not safe to call concurrently with Poll.
func (a *Aggregator) Register(p Probe) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.probes = append(a.probes, p)
}

// Poll runs all probes in parallel, each independently time-boxed, records
// the results, and returns the composite summary. A probe that panics,
// errors, or times out becomes a CRITICAL result; Poll itself never fails
// because of a probe.
func (a *Aggregator) Poll(ctx context.Context) Summary {
	a.mu.RLock()
	probes := make([]Probe, len(a.probes))
	copy(probes, a.probes)
	a.mu.RUnlock()

	results := make([]Result, len(probes))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range probes {
		g.Go(func() error {
			results[i] = a.runProbe(gctx, p)
			return nil
		})
	}
	g.Wait() // probes never return errors, only results

	for _, r := range results {
		if _, err := a.store.Execute(ctx,
			"INSERT INTO health_check_results (component, timestamp, status, detail) VALUES (?, ?, ?, ?)",
			r.Component, r.Timestamp.UTC(), string(r.Status), r.Detail); err != nil {
			a.log.WithError(err).WithField("probe", r.Component).Warn("failed to persist health result")
		}
	}

	a.mu.Lock()
	for _, r := range results {
		a.latest[r.Component] = r
		metrics.SetComponentHealth(r.Component, r.Status.Severity())
	}
	a.mu.Unlock()

	return a.Summary()
}

// runProbe executes one probe inside its own deadline, converting panics
// and timeouts into CRITICAL results.
func (a *Aggregator) runProbe(ctx context.Context, p Probe) (res Result) {
	start := a.now()
	res = Result{Component: p.Name(), Timestamp: start}

	pctx, cancel := context.WithTimeout(ctx, a.probeTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				res.Status = StatusCritical
				res.Detail = fmt.Sprintf("probe panicked: %v", r)
			}
		}()
		status, detail := p.Check(pctx)
		res.Status, res.Detail = status, detail
	}()

	select {
	case <-done:
	case <-pctx.Done():
		res.Status = StatusCritical
		res.Detail = fmt.Sprintf("probe timed out after %s", a.probeTimeout)
	}
	res.Latency = a.now().Sub(start)
	return res
}

// Summary returns the composite status from the latest result per
// component. Side-effect free.
func (a *Aggregator) Summary() Summary {
	a.mu.RLock()
	defer a.mu.RUnlock()

	s := Summary{Status: StatusOK, Timestamp: a.now()}
	if len(a.latest) == 0 {
		s.Status = StatusUnknown
	}
	for _, r := range a.latest {
		s.Status = Worse(s.Status, r.Status)
		s.Components = append(s.Components, r)
	}
	sort.Slice(s.Components, func(i, j int) bool {
		return s.Components[i].Component < s.Components[j].Component
	})
	return s
}

// FormatReport renders the summary as a human-readable report for CLI and
// GUI front ends.
func (a *Aggregator) FormatReport() string {
	s := a.Summary()

	var b strings.Builder
	fmt.Fprintf(&b, "Overall: %s (as of %s)\n", s.Status, s.Timestamp.Format(time.RFC3339))
	for _, r := range s.Components {
		fmt.Fprintf(&b, "  %-12s %-8s %s\n", r.Component, r.Status, r.Detail)
	}
	return b.String()
}

// History returns persisted results for one component since a point in
// time, newest first. Used for trend queries, never for decisions.
func (a *Aggregator) History(ctx context.Context, component string, since time.Time) ([]Result, error) {
	rows, err := a.store.DB().QueryContext(ctx,
		`SELECT component, timestamp, status, detail FROM health_check_results
		 WHERE component = ? AND timestamp >= ? ORDER BY timestamp DESC, id DESC`,
		component, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query health history: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var status string
		if err := rows.Scan(&r.Component, &r.Timestamp, &status, &r.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan health result: %w", err)
		}
		r.Status = Status(status)
		results = append(results, r)
	}
	return results, rows.Err()
}
