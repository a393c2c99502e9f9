package job

import (
	"sort"
	"time"
)

// Count is one cell of the stats projection.
type Count struct {
	Key    string `json:"key"` // queue or type name
	Status Status `json:"status"`
	Count  int    `json:"count"`
}

// DurationStat summarizes Result durations for a job type.
type DurationStat struct {
	Type    string        `json:"type"`
	Count   int           `json:"count"`
	Average time.Duration `json:"average"`
}

// Stats is a read-only aggregation over the store. It may lag the write path.
type Stats struct {
	ByQueue     []Count        `json:"by_queue"`
	ByType      []Count        `json:"by_type"`
	Durations   []DurationStat `json:"durations"`
	GeneratedAt time.Time      `json:"generated_at"`
}

// QueueCount returns the number of jobs in queue with status.
func (s Stats) QueueCount(queue string, status Status) int {
	return lookup(s.ByQueue, queue, status)
}

// TypeCount returns the number of jobs of type with status.
func (s Stats) TypeCount(typ string, status Status) int {
	return lookup(s.ByType, typ, status)
}

func lookup(counts []Count, key string, status Status) int {
	for _, c := range counts {
		if c.Key == key && c.Status == status {
			return c.Count
		}
	}
	return 0
}

// StatsBuilder accumulates counts for stores that aggregate in Go.
type StatsBuilder struct {
	queues    map[[2]string]int
	types     map[[2]string]int
	durations map[string]*durationAcc
}

type durationAcc struct {
	count int
	total time.Duration
}

func NewStatsBuilder() *StatsBuilder {
	return &StatsBuilder{
		queues:    make(map[[2]string]int),
		types:     make(map[[2]string]int),
		durations: make(map[string]*durationAcc),
	}
}

// AddJob counts j under its queue and type.
func (b *StatsBuilder) AddJob(queue, typ string, status Status, n int) {
	b.queues[[2]string{queue, string(status)}] += n
	b.types[[2]string{typ, string(status)}] += n
}

// AddQueueCount records a pre-aggregated (queue, status) cell.
func (b *StatsBuilder) AddQueueCount(queue string, status Status, n int) {
	b.queues[[2]string{queue, string(status)}] += n
}

// AddTypeCount records a pre-aggregated (type, status) cell.
func (b *StatsBuilder) AddTypeCount(typ string, status Status, n int) {
	b.types[[2]string{typ, string(status)}] += n
}

// AddDuration records count results of typ totalling total.
func (b *StatsBuilder) AddDuration(typ string, count int, total time.Duration) {
	acc, ok := b.durations[typ]
	if !ok {
		acc = &durationAcc{}
		b.durations[typ] = acc
	}
	acc.count += count
	acc.total += total
}

// Build produces a deterministic, sorted Stats value.
func (b *StatsBuilder) Build(now time.Time) Stats {
	st := Stats{
		ByQueue:     toCounts(b.queues),
		ByType:      toCounts(b.types),
		Durations:   make([]DurationStat, 0, len(b.durations)),
		GeneratedAt: now,
	}
	for typ, acc := range b.durations {
		d := DurationStat{Type: typ, Count: acc.count}
		if acc.count > 0 {
			d.Average = acc.total / time.Duration(acc.count)
		}
		st.Durations = append(st.Durations, d)
	}
	sort.Slice(st.Durations, func(i, j int) bool { return st.Durations[i].Type < st.Durations[j].Type })
	return st
}

func toCounts(m map[[2]string]int) []Count {
	out := make([]Count, 0, len(m))
	for k, n := range m {
		if n == 0 {
			continue
		}
		out = append(out, Count{Key: k[0], Status: Status(k[1]), Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].Status < out[j].Status
	})
	return out
}
