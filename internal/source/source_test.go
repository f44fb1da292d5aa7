package source

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"insight-agent/internal/model"
	"insight-agent/internal/system"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestNetMeterBaselineThenRate(t *testing.T) {
	clock := newFakeClock()
	counters := system.NetCounters{RxBytes: 1000, TxBytes: 500}
	meter := NewNetMeter(func() (system.NetCounters, error) { return counters, nil }, clock.Now)

	first, err := meter.Throughput(context.Background())
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if first != (model.Throughput{}) {
		t.Fatalf("first call must report zeros, got %+v", first)
	}

	clock.Advance(2 * time.Second)
	counters = system.NetCounters{RxBytes: 1000 + 25_000, TxBytes: 500 + 5_000}
	got, err := meter.Throughput(context.Background())
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	// 25000 B * 8 / 1000 / 2s = 100 kbps; 5000 B -> 20 kbps
	if got.RxKbps != 100 || got.TxKbps != 20 {
		t.Fatalf("throughput = %+v", got)
	}

	clock.Advance(time.Second)
	counters = system.NetCounters{RxBytes: 10, TxBytes: 10}
	got, _ = meter.Throughput(context.Background())
	if got.RxKbps != 0 || got.TxKbps != 0 {
		t.Fatalf("counter reset must report zero, got %+v", got)
	}
}

func TestNetMeterPropagatesReadError(t *testing.T) {
	boom := errors.New("boom")
	meter := NewNetMeter(func() (system.NetCounters, error) { return system.NetCounters{}, boom }, nil)
	if _, err := meter.Throughput(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}

func TestTopNOrdering(t *testing.T) {
	procs := []model.ProcessInfo{
		{PID: 1, CPUPercent: 5, MemPercent: 1},
		{PID: 2, CPUPercent: 10, MemPercent: 1},
		{PID: 3, CPUPercent: 5, MemPercent: 9},
		{PID: 4, CPUPercent: 0, MemPercent: 50},
	}
	got := TopN(procs, 3)
	want := []int{2, 3, 1}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i, pid := range want {
		if got[i].PID != pid {
			t.Fatalf("position %d pid = %d, want %d (%+v)", i, got[i].PID, pid, got)
		}
	}
	if len(TopN(procs, 0)) != 0 {
		t.Fatal("n=0 must return no processes")
	}
}

func TestProcTableComputesCPUSinceLastCall(t *testing.T) {
	root := t.TempDir()
	fs := system.FS{ProcRoot: root}
	writeFile(t, filepath.Join(root, "meminfo"), "MemTotal: 1000 kB\nMemAvailable: 500 kB\n")
	longName := strings.Repeat("x", 200)
	stat := func(pid, name string, ticks int) string {
		return pid + " (" + name + ") S 1 1 1 0 -1 0 0 0 0 0 " + strconv.Itoa(ticks) + " 0 0 0 20 0 1 0 100 1000 0 0\n"
	}
	writeFile(t, filepath.Join(root, "10", "stat"), stat("10", "busy", 100))
	writeFile(t, filepath.Join(root, "11", "stat"), stat("11", longName, 100))

	clock := newFakeClock()
	table := NewProcTable(fs, clock.Now)

	first, err := table.TopProcesses(context.Background(), 8)
	if err != nil {
		t.Fatalf("first snapshot: %v", err)
	}
	for _, p := range first.Top {
		if p.CPUPercent != 0 {
			t.Fatalf("first snapshot must have no cpu baseline: %+v", first.Top)
		}
	}

	clock.Advance(time.Second)
	writeFile(t, filepath.Join(root, "10", "stat"), stat("10", "busy", 150))
	snap, err := table.TopProcesses(context.Background(), 1)
	if err != nil {
		t.Fatalf("second snapshot: %v", err)
	}
	if len(snap.Top) != 1 || snap.Top[0].PID != 10 {
		t.Fatalf("top = %+v", snap.Top)
	}
	// 50 ticks at 100 Hz over one second
	if snap.Top[0].CPUPercent != 50 {
		t.Fatalf("cpu = %v, want 50", snap.Top[0].CPUPercent)
	}
	if !snap.Timestamp.Equal(clock.Now()) {
		t.Fatalf("timestamp = %v", snap.Timestamp)
	}

	all, _ := table.TopProcesses(context.Background(), 8)
	for _, p := range all.Top {
		if len([]rune(p.Name)) > maxProcessNameRunes {
			t.Fatalf("name not truncated: %d runes", len([]rune(p.Name)))
		}
	}
}

func TestFailedFields(t *testing.T) {
	err := errors.Join(
		&FieldError{Field: "cpu_percent", Err: errors.New("x")},
		errors.New("unrelated"),
		&FieldError{Field: "disk", Err: errors.New("y")},
	)
	got := FailedFields(err)
	if len(got) != 2 || got[0] != "cpu_percent" || got[1] != "disk" {
		t.Fatalf("FailedFields = %v", got)
	}
	if FailedFields(nil) != nil {
		t.Fatal("nil error must have no failed fields")
	}
}

func TestHostDegradesMissingFields(t *testing.T) {
	root := t.TempDir()
	fs := system.FS{ProcRoot: filepath.Join(root, "proc"), SysRoot: filepath.Join(root, "sys"), EtcRoot: filepath.Join(root, "etc")}
	writeFile(t, filepath.Join(fs.ProcRoot, "meminfo"), "MemTotal: 1000 kB\nMemAvailable: 250 kB\n")

	host := NewHost(HostOptions{FS: fs, DiskPath: root})
	reading, err := host.Resources(context.Background())
	if err == nil {
		t.Fatal("expected field errors for missing cpu and uptime")
	}
	fields := FailedFields(err)
	if !contains(fields, "cpu_percent") || !contains(fields, "uptime_seconds") {
		t.Fatalf("failed fields = %v", fields)
	}
	if contains(fields, "mem_percent") {
		t.Fatalf("mem_percent should have been read: %v", fields)
	}
	if reading.MemPercent != 75 || reading.CPUPercent != 0 || reading.UptimeSeconds != nil {
		t.Fatalf("reading = %+v", reading)
	}

	// no /proc/stat means the procfs capabilities are swapped for no-ops
	snap, err := host.ProcessSnapshot(context.Background(), 8)
	if snap != nil || err != nil {
		t.Fatalf("nop process snapshot = %v, %v", snap, err)
	}
	tp, err := host.NetworkThroughput(context.Background())
	if err != nil || tp != (model.Throughput{}) {
		t.Fatalf("nop throughput = %+v, %v", tp, err)
	}
}

func TestHostCPUBaselineRespectsContext(t *testing.T) {
	root := t.TempDir()
	fs := system.FS{ProcRoot: root}
	writeFile(t, filepath.Join(root, "stat"), "cpu  1 0 1 10 0 0 0 0\n")
	host := NewHost(HostOptions{FS: fs, DiskPath: root})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := host.cpuPercent(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	// baseline was recorded, next call measures without waiting
	if _, err := host.cpuPercent(context.Background()); err != nil {
		t.Fatalf("second call: %v", err)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
