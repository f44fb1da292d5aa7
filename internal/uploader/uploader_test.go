package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"insight-agent/internal/model"
	"insight-agent/internal/store"
	"insight-agent/internal/worker"
)

type recordingPoster struct {
	mu      sync.Mutex
	fail    []error
	batches [][][]byte
}

func (p *recordingPoster) PostBatch(_ context.Context, payloads [][]byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([][]byte, len(payloads))
	for i, b := range payloads {
		cp[i] = bytes.Clone(b)
	}
	p.batches = append(p.batches, cp)
	if len(p.fail) > 0 {
		err := p.fail[0]
		p.fail = p.fail[1:]
		return err
	}
	return nil
}

func (p *recordingPoster) Close() error { return nil }

// ackThenWaitPoster accepts the batch, then holds the call open until release
// is closed, as a collector that answers slowly would.
type ackThenWaitPoster struct {
	acked   chan struct{}
	release chan struct{}
}

func (p *ackThenWaitPoster) PostBatch(context.Context, [][]byte) error {
	close(p.acked)
	<-p.release
	return nil
}

func (p *ackThenWaitPoster) Close() error { return nil }

type failingDeleteQueue struct {
	*store.Queue
	err error
}

func (q *failingDeleteQueue) DeleteByIDs(context.Context, []int64) (int64, error) {
	return 0, q.err
}

func openQueue(t *testing.T) *store.Queue {
	t.Helper()
	q, err := store.Open(context.Background(), store.Config{Path: filepath.Join(t.TempDir(), "insight.db")})
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func seed(t *testing.T, q *store.Queue, n int) []int64 {
	t.Helper()
	ids := make([]int64, 0, n)
	base := time.Now().UTC()
	for i := 0; i < n; i++ {
		id, err := q.Append(context.Background(), base.Add(time.Duration(i)*time.Millisecond), []byte(fmt.Sprintf(`{"seq":%d}`, i+1)))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

func remaining(t *testing.T, q *store.Queue) []model.Record {
	t.Helper()
	records, err := q.Drain(context.Background(), 1000)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	return records
}

func newUploader(t *testing.T, q Queue, p *recordingPoster, limit int) *Uploader {
	t.Helper()
	u, err := New(Config{Queue: q, Poster: p, BatchLimit: limit, Interval: time.Hour})
	if err != nil {
		t.Fatalf("new uploader: %v", err)
	}
	return u
}

func TestTickIdleOnEmptyQueue(t *testing.T) {
	p := &recordingPoster{}
	u := newUploader(t, openQueue(t), p, 10)
	if r := u.Tick(context.Background()); r.Status != worker.StatusIdle {
		t.Fatalf("status = %s, want idle", r.Status)
	}
	if len(p.batches) != 0 {
		t.Fatalf("poster called on empty queue")
	}
}

func TestTickRespectsBatchLimit(t *testing.T) {
	q := openQueue(t)
	ids := seed(t, q, 5)
	p := &recordingPoster{}
	u := newUploader(t, q, p, 2)

	r := u.Tick(context.Background())
	if r.Status != worker.StatusOK || r.Uploaded != 2 {
		t.Fatalf("tick = %+v", r)
	}
	if len(p.batches) != 1 || len(p.batches[0]) != 2 {
		t.Fatalf("batches = %d, first size %d", len(p.batches), len(p.batches[0]))
	}
	if string(p.batches[0][0]) != `{"seq":1}` || string(p.batches[0][1]) != `{"seq":2}` {
		t.Fatalf("batch order = %s", p.batches[0])
	}

	left := remaining(t, q)
	got := make([]int64, 0, len(left))
	for _, r := range left {
		got = append(got, r.ID)
	}
	if !slices.Equal(got, ids[2:]) {
		t.Fatalf("remaining ids = %v, want %v", got, ids[2:])
	}
}

func TestAtLeastOnceDelivery(t *testing.T) {
	q := openQueue(t)
	ids := seed(t, q, 3)
	p := &recordingPoster{fail: []error{errors.New("connection refused")}}
	u := newUploader(t, q, p, 10)

	if r := u.Tick(context.Background()); r.Status != worker.StatusFailed {
		t.Fatalf("first tick = %s, want failed", r.Status)
	}
	if n := len(remaining(t, q)); n != 3 {
		t.Fatalf("records after failed post = %d, want 3", n)
	}

	if r := u.Tick(context.Background()); r.Status != worker.StatusOK || r.Uploaded != 3 {
		t.Fatalf("second tick = %+v", r)
	}
	if len(p.batches) != 2 {
		t.Fatalf("post attempts = %d, want 2", len(p.batches))
	}
	for i := range p.batches[0] {
		if !bytes.Equal(p.batches[0][i], p.batches[1][i]) {
			t.Fatalf("payload %d differs between attempts: %s vs %s", i, p.batches[0][i], p.batches[1][i])
		}
	}
	if n := len(remaining(t, q)); n != 0 {
		t.Fatalf("records after success = %d, want 0 (ids %v)", n, ids)
	}
}

func TestDeleteFailureKeepsBatch(t *testing.T) {
	q := openQueue(t)
	seed(t, q, 2)
	p := &recordingPoster{}
	u := newUploader(t, &failingDeleteQueue{Queue: q, err: errors.New("database is locked")}, p, 10)

	r := u.Tick(context.Background())
	if r.Status != worker.StatusFailed || r.Err == nil {
		t.Fatalf("tick = %+v, want failed", r)
	}
	if n := len(remaining(t, q)); n != 2 {
		t.Fatalf("records = %d, want 2", n)
	}
}

func TestRunDrainsQueue(t *testing.T) {
	q := openQueue(t)
	seed(t, q, 3)
	p := &recordingPoster{}
	u := newUploader(t, q, p, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		u.Run(ctx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for len(remaining(t, q)) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("queue not drained by first tick")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestStopDuringPostDeletesAcknowledgedBatch(t *testing.T) {
	q := openQueue(t)
	seed(t, q, 3)
	p := &ackThenWaitPoster{acked: make(chan struct{}), release: make(chan struct{})}
	var results []worker.Result
	var mu sync.Mutex
	u, err := New(Config{
		Queue:    q,
		Poster:   p,
		Interval: time.Hour,
		Observer: func(r worker.Result) {
			mu.Lock()
			defer mu.Unlock()
			results = append(results, r)
		},
	})
	if err != nil {
		t.Fatalf("new uploader: %v", err)
	}

	r := worker.NewRunner("uploader", u.Run, 5*time.Second, nil)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-p.acked

	stopped := make(chan error, 1)
	go func() { stopped <- r.Stop() }()
	time.Sleep(20 * time.Millisecond)
	close(p.release)

	if err := <-stopped; err != nil {
		t.Fatalf("stop: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(results) != 1 || results[0].Status != worker.StatusOK || results[0].Uploaded != 3 {
		t.Fatalf("tick results = %+v, want one ok tick of 3", results)
	}
	if n := len(remaining(t, q)); n != 0 {
		t.Fatalf("records left after acknowledged post = %d, want 0", n)
	}
}

func TestTickDeletesAfterAckEvenIfCancelled(t *testing.T) {
	q := openQueue(t)
	seed(t, q, 2)
	ctx, cancel := context.WithCancel(context.Background())
	u, err := New(Config{Queue: q, Poster: cancelOnPost(cancel), Interval: time.Hour})
	if err != nil {
		t.Fatalf("new uploader: %v", err)
	}

	if r := u.Tick(ctx); r.Status != worker.StatusOK || r.Uploaded != 2 {
		t.Fatalf("tick = %+v", r)
	}
	if n := len(remaining(t, q)); n != 0 {
		t.Fatalf("records = %d, want 0", n)
	}
}

type cancelOnPost context.CancelFunc

func (c cancelOnPost) PostBatch(context.Context, [][]byte) error {
	c()
	return nil
}

func (c cancelOnPost) Close() error { return nil }

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{Poster: &recordingPoster{}}); err == nil {
		t.Fatal("missing queue must fail")
	}
	if _, err := New(Config{Queue: openQueue(t)}); err == nil {
		t.Fatal("missing poster must fail")
	}
}
