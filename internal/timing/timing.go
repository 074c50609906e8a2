// ============================================================================
// pipeexec Timing - 每個 rank 的步驟計時與匯總
// ============================================================================
//
// Package: internal/timing
// File: timing.go
//
// Every rank keeps its own Timer. At the end of a run the timers are gathered
// to rank 0 and merged per step:
//   - earliest start over all ranks
//   - latest stop over all ranks
//   - spread of per-rank durations (HDR histogram, milliseconds)
//
// Steps a rank never started (idle ranks, serial steps) simply do not
// contribute to that step's spread.
//
// ============================================================================

package timing

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/pipeexec/internal/pool"
	"github.com/HdrHistogram/hdrhistogram-go"
)

// 直方圖範圍: 1ms .. 7 天
const (
	histMinMillis = 1
	histMaxMillis = int64(7 * 24 * time.Hour / time.Millisecond)
	histSigFigs   = 3
)

// Span is one step on one rank.
type Span struct {
	Step  string    `json:"step"`
	Start time.Time `json:"start"`
	Stop  time.Time `json:"stop,omitempty"`
}

// Duration returns the elapsed time, zero if the span never stopped.
func (s Span) Duration() time.Duration {
	if s.Stop.IsZero() {
		return 0
	}
	return s.Stop.Sub(s.Start)
}

// Timer records named steps on a single rank.
type Timer struct {
	mu    sync.Mutex
	now   func() time.Time
	order []string
	spans map[string]*Span
}

// New creates an empty Timer.
func New() *Timer {
	return &Timer{now: time.Now, spans: make(map[string]*Span)}
}

// Start marks the beginning of step. Restarting a step resets it.
func (t *Timer) Start(step string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.spans[step]; !ok {
		t.order = append(t.order, step)
	}
	t.spans[step] = &Span{Step: step, Start: t.now()}
}

// Stop marks the end of step. Stopping an unknown step is a no-op.
func (t *Timer) Stop(step string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.spans[step]; ok {
		s.Stop = t.now()
	}
}

// Spans returns the recorded steps in start order.
func (t *Timer) Spans() []Span {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Span, 0, len(t.order))
	for _, step := range t.order {
		out = append(out, *t.spans[step])
	}
	return out
}

// Summary is one merged step.
type Summary struct {
	Step        string    `json:"step"`
	Ranks       int       `json:"ranks"`
	Start       time.Time `json:"start"`
	Stop        time.Time `json:"stop"`
	WallSeconds float64   `json:"wall_seconds"`
	MinMillis   int64     `json:"min_ms"`
	P50Millis   int64     `json:"p50_ms"`
	P95Millis   int64     `json:"p95_ms"`
	MaxMillis   int64     `json:"max_ms"`
}

// Merge combines per-rank spans into one Summary per step, ordered by the
// step's earliest start.
func Merge(perRank [][]Span) []Summary {
	type acc struct {
		sum  Summary
		hist *hdrhistogram.Histogram
	}
	byStep := make(map[string]*acc)
	for _, spans := range perRank {
		for _, s := range spans {
			a, ok := byStep[s.Step]
			if !ok {
				a = &acc{
					sum:  Summary{Step: s.Step, Start: s.Start},
					hist: hdrhistogram.New(histMinMillis, histMaxMillis, histSigFigs),
				}
				byStep[s.Step] = a
			}
			a.sum.Ranks++
			if s.Start.Before(a.sum.Start) {
				a.sum.Start = s.Start
			}
			if s.Stop.After(a.sum.Stop) {
				a.sum.Stop = s.Stop
			}
			if s.Stop.IsZero() {
				continue
			}
			ms := s.Duration().Milliseconds()
			if ms < histMinMillis {
				ms = histMinMillis
			}
			if ms > histMaxMillis {
				ms = histMaxMillis
			}
			_ = a.hist.RecordValue(ms)
		}
	}

	out := make([]Summary, 0, len(byStep))
	for _, a := range byStep {
		s := a.sum
		if !s.Stop.IsZero() {
			s.WallSeconds = s.Stop.Sub(s.Start).Seconds()
		}
		if a.hist.TotalCount() > 0 {
			s.MinMillis = a.hist.Min()
			s.P50Millis = a.hist.ValueAtQuantile(50)
			s.P95Millis = a.hist.ValueAtQuantile(95)
			s.MaxMillis = a.hist.Max()
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].Step < out[j].Step
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out
}

// Gather collects every rank's spans. Rank 0 gets the merged summaries,
// other ranks get nil.
func Gather(ctx context.Context, p pool.WorkerPool, t *Timer) ([]Summary, error) {
	all, err := pool.GatherValues(ctx, p, t.Spans())
	if err != nil {
		return nil, fmt.Errorf("gather timers: %w", err)
	}
	if p.Rank() != 0 {
		return nil, nil
	}
	return Merge(all), nil
}

// WriteJSON writes summaries to path.
func WriteJSON(path string, summaries []Summary) error {
	b, err := json.MarshalIndent(summaries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode timing: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write timing file: %w", err)
	}
	return nil
}
