package model

import "time"

// TimestampLayout is fixed width so that string order in the queue equals time order.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(TimestampLayout, s)
}

// Record is one queued envelope. Payload is the encoded envelope, opaque to the queue.
type Record struct {
	ID        int64
	Timestamp string
	Payload   []byte
}

// ResourceReading is the partial sample returned by a metrics source before
// it is stamped and merged with throughput.
type ResourceReading struct {
	CPUPercent    float64
	MemPercent    float64
	DiskUsedGB    float64
	DiskTotalGB   float64
	UptimeSeconds *int64
}

type Throughput struct {
	TxKbps float64 `json:"tx_kbps"`
	RxKbps float64 `json:"rx_kbps"`
}
