// Package stats records gateway counters, gauges and timers.
package stats

import (
	"sync"
	"time"

	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("stats")

type StatsRecorder interface {
	Timer(stat string, amount int64)
	DurationTimer(stat string, begin time.Time, end time.Time)
	Gauge(stat string, amount int64)
	Counter(stat string, amount int64)
	Increment(stat string)
}

// DebugStatsRecorder only logs stats at debug level.
type DebugStatsRecorder struct{}

func (s *DebugStatsRecorder) log(stat string, amount int64) {
	log.Debugf("debug stats %s %v", stat, amount)
}

func (s *DebugStatsRecorder) Timer(stat string, amount int64) {
	s.log(stat, amount)
}

func (s *DebugStatsRecorder) DurationTimer(stat string, begin time.Time, end time.Time) {
	s.log(stat, int64(end.Sub(begin)/time.Millisecond))
}

func (s *DebugStatsRecorder) Gauge(stat string, amount int64) {
	s.log(stat, amount)
}

func (s *DebugStatsRecorder) Counter(stat string, amount int64) {
	s.log(stat, amount)
}

func (s *DebugStatsRecorder) Increment(stat string) {
	s.log(stat, 1)
}

// MemoryStatsRecorder keeps the latest values in memory. Counters add up,
// gauges and timers keep the last value.
type MemoryStatsRecorder struct {
	mu       sync.Mutex
	counters map[string]int64
	gauges   map[string]int64
	timers   map[string]int64
}

func NewMemoryStatsRecorder() *MemoryStatsRecorder {
	return &MemoryStatsRecorder{
		counters: make(map[string]int64),
		gauges:   make(map[string]int64),
		timers:   make(map[string]int64),
	}
}

func (s *MemoryStatsRecorder) Timer(stat string, amount int64) {
	s.mu.Lock()
	s.timers[stat] = amount
	s.mu.Unlock()
}

func (s *MemoryStatsRecorder) DurationTimer(stat string, begin time.Time, end time.Time) {
	s.Timer(stat, int64(end.Sub(begin)/time.Millisecond))
}

func (s *MemoryStatsRecorder) Gauge(stat string, amount int64) {
	s.mu.Lock()
	s.gauges[stat] = amount
	s.mu.Unlock()
}

func (s *MemoryStatsRecorder) Counter(stat string, amount int64) {
	s.mu.Lock()
	s.counters[stat] += amount
	s.mu.Unlock()
}

func (s *MemoryStatsRecorder) Increment(stat string) {
	s.Counter(stat, 1)
}

func (s *MemoryStatsRecorder) CounterValue(stat string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[stat]
}

func (s *MemoryStatsRecorder) GaugeValue(stat string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gauges[stat]
}

func (s *MemoryStatsRecorder) TimerValue(stat string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.timers[stat]
	return v, ok
}
