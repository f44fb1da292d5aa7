package model

import (
	"encoding/json"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

const SchemaVersion = "1.0"

type DeviceIdentity struct {
	Hostname  string   `json:"hostname"`
	OS        string   `json:"os"`
	OSVersion string   `json:"os_version"`
	MACs      []string `json:"macs"`
	Serial    string   `json:"serial,omitempty"`
	Model     string   `json:"model,omitempty"`
	Domain    string   `json:"domain,omitempty"`
}

type ResourceSample struct {
	Timestamp     time.Time `json:"ts"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemPercent    float64   `json:"mem_percent"`
	DiskUsedGB    float64   `json:"disk_used_gb"`
	DiskTotalGB   float64   `json:"disk_total_gb"`
	UptimeSeconds *int64    `json:"uptime_seconds,omitempty"`
	NetTxKbps     *float64  `json:"net_tx_kbps,omitempty"`
	NetRxKbps     *float64  `json:"net_rx_kbps,omitempty"`
}

type ProcessInfo struct {
	PID        int     `json:"pid"`
	Name       string  `json:"name"`
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float64 `json:"mem_percent"`
}

type ProcessSnapshot struct {
	Timestamp time.Time     `json:"ts"`
	Top       []ProcessInfo `json:"top"`
}

// Envelope is one unit of telemetry as stored in the queue and sent on the wire.
// Build it with NewEnvelope; the constructor takes copies of every slice and map.
type Envelope struct {
	EnvelopeID string            `json:"envelope_id"`
	Version    string            `json:"version"`
	Device     DeviceIdentity    `json:"device"`
	Samples    []ResourceSample  `json:"samples"`
	Processes  *ProcessSnapshot  `json:"processes,omitempty"`
	Tags       map[string]string `json:"tags"`
}

func NewEnvelope(device DeviceIdentity, samples []ResourceSample, processes *ProcessSnapshot, tags map[string]string) Envelope {
	device.MACs = cloneStrings(device.MACs)

	var procs *ProcessSnapshot
	if processes != nil {
		cp := *processes
		cp.Top = slices.Clone(processes.Top)
		if cp.Top == nil {
			cp.Top = []ProcessInfo{}
		}
		procs = &cp
	}

	outTags := make(map[string]string, len(tags))
	maps.Copy(outTags, tags)

	outSamples := slices.Clone(samples)
	if outSamples == nil {
		outSamples = []ResourceSample{}
	}

	return Envelope{
		EnvelopeID: uuid.NewString(),
		Version:    SchemaVersion,
		Device:     device,
		Samples:    outSamples,
		Processes:  procs,
		Tags:       outTags,
	}
}

func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

func cloneStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return slices.Clone(in)
}
