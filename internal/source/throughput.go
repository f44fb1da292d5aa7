package source

import (
	"context"
	"math"
	"sync"
	"time"

	"insight-agent/internal/model"
	"insight-agent/internal/system"
)

type netSample struct {
	counters system.NetCounters
	at       time.Time
}

// NetMeter converts cumulative interface byte counters into kbps between calls.
type NetMeter struct {
	mu   sync.Mutex
	read func() (system.NetCounters, error)
	now  func() time.Time
	prev *netSample
}

func NewNetMeter(read func() (system.NetCounters, error), now func() time.Time) *NetMeter {
	if now == nil {
		now = time.Now
	}
	return &NetMeter{read: read, now: now}
}

func (m *NetMeter) Throughput(ctx context.Context) (model.Throughput, error) {
	if err := ctx.Err(); err != nil {
		return model.Throughput{}, err
	}
	cur, err := m.read()
	if err != nil {
		return model.Throughput{}, err
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.prev
	m.prev = &netSample{counters: cur, at: now}
	if prev == nil {
		return model.Throughput{}, nil
	}

	seconds := math.Max(0.001, now.Sub(prev.at).Seconds())
	return model.Throughput{
		TxKbps: kbps(cur.TxBytes, prev.counters.TxBytes, seconds),
		RxKbps: kbps(cur.RxBytes, prev.counters.RxBytes, seconds),
	}, nil
}

func kbps(cur, prev uint64, seconds float64) float64 {
	if cur < prev {
		// counter reset or interface went away
		return 0
	}
	return round1(float64(cur-prev) * 8 / 1000 / seconds)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

type nopThroughput struct{}

// NopThroughput always reports zero traffic.
func NopThroughput() ThroughputMeter { return nopThroughput{} }

func (nopThroughput) Throughput(context.Context) (model.Throughput, error) {
	return model.Throughput{}, nil
}
