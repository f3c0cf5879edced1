package stats

import (
	"time"

	"github.com/cactus/go-statsd-client/v5/statsd"
)

// StatsdStatsRecorder forwards stats to a statsd daemon. Calls only queue
// the stat; a background goroutine does the network writes.
type StatsdStatsRecorder struct {
	address string
	client  statsd.Statter
	counter chan *StatsdStat
	timer   chan *StatsdStat
	gauge   chan *StatsdStat
	done    chan struct{}
}

type StatsdStat struct {
	stat   string
	amount int64
}

// NewStatsdStatsRecorder connects to address and prefixes every stat with
// namespace.
func NewStatsdStatsRecorder(address, namespace string) (*StatsdStatsRecorder, error) {
	client, err := statsd.NewClientWithConfig(&statsd.ClientConfig{
		Address: address,
		Prefix:  namespace,
	})
	if err != nil {
		return nil, err
	}
	return newStatsdStatsRecorder(address, client), nil
}

func newStatsdStatsRecorder(address string, client statsd.Statter) *StatsdStatsRecorder {
	stats := &StatsdStatsRecorder{
		address: address,
		client:  client,
		counter: make(chan *StatsdStat, 100),
		timer:   make(chan *StatsdStat, 100),
		gauge:   make(chan *StatsdStat, 100),
		done:    make(chan struct{}),
	}
	go stats.start()
	return stats
}

func (stats *StatsdStatsRecorder) Timer(stat string, amount int64) {
	stats.timer <- &StatsdStat{stat, amount}
}

func (stats *StatsdStatsRecorder) DurationTimer(stat string, begin time.Time, end time.Time) {
	amount := int64(end.Sub(begin) / time.Millisecond)
	stats.timer <- &StatsdStat{stat, amount}
}

func (stats *StatsdStatsRecorder) Gauge(stat string, amount int64) {
	stats.gauge <- &StatsdStat{stat, amount}
}

func (stats *StatsdStatsRecorder) Counter(stat string, amount int64) {
	stats.counter <- &StatsdStat{stat, amount}
}

// Increment is the same as calling Counter with the amount 1
func (stats *StatsdStatsRecorder) Increment(stat string) {
	stats.counter <- &StatsdStat{stat, 1}
}

// Close stops the sender and closes the statsd client. Recording after Close
// blocks once the buffers fill.
func (stats *StatsdStatsRecorder) Close() error {
	close(stats.done)
	return stats.client.Close()
}

func (stats *StatsdStatsRecorder) start() {
	for {
		var err error
		select {
		case stat := <-stats.timer:
			err = stats.client.Timing(stat.stat, stat.amount, 1.0)
		case stat := <-stats.gauge:
			err = stats.client.Gauge(stat.stat, stat.amount, 1.0)
		case stat := <-stats.counter:
			err = stats.client.Inc(stat.stat, stat.amount, 1.0)
		case <-stats.done:
			return
		}
		if err != nil {
			log.Warningf("statsd %s: %v", stats.address, err)
		}
	}
}
