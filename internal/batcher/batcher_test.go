package batcher

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/klogsdk/klog-go/internal/encoder"
	"github.com/klogsdk/klog-go/internal/queue"
	"github.com/klogsdk/klog-go/internal/record"
	"github.com/klogsdk/klog-go/internal/stats"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func rec(pool string, i int) record.Record {
	return record.Record{Project: "proj", Pool: pool, Message: strconv.Itoa(i), Timestamp: t0}
}

func TestAccumulatorCountTrigger(t *testing.T) {
	acc := NewAccumulator(Limits{MaxAge: time.Hour, MaxBytes: 1 << 30, MaxRecords: 3})
	var sealed []*record.Batch
	for i := 0; i < 7; i++ {
		sealed = append(sealed, acc.Add(rec("q", i), 10, t0)...)
	}
	if len(sealed) != 2 {
		t.Fatalf("expected 2 sealed batches, got %d", len(sealed))
	}
	for _, b := range sealed {
		if b.Trigger != record.TriggerCount || b.Len() != 3 || b.State != record.StateSealed {
			t.Errorf("unexpected batch trigger=%s len=%d state=%s", b.Trigger, b.Len(), b.State)
		}
	}
	if acc.Pending() != 1 || acc.Open() != 1 {
		t.Errorf("expected 1 pending record in 1 open batch, got %d in %d", acc.Pending(), acc.Open())
	}
}

func TestAccumulatorSizeTrigger(t *testing.T) {
	tests := []struct {
		name        string
		sizes       []int
		wantBatches []int // record counts of sealed batches
		wantPending int
	}{
		{"exact fill seals", []int{40, 60}, []int{2}, 0},
		{"overflow seals previous first", []int{40, 50, 20}, []int{2}, 1},
		{"oversized single record", []int{10, 150}, []int{1, 1}, 0},
		{"below limit stays open", []int{10, 20, 30}, nil, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := NewAccumulator(Limits{MaxAge: time.Hour, MaxBytes: 100, MaxRecords: 1000})
			var sealed []*record.Batch
			for i, size := range tt.sizes {
				sealed = append(sealed, acc.Add(rec("q", i), size, t0)...)
			}
			if len(sealed) != len(tt.wantBatches) {
				t.Fatalf("expected %d sealed, got %d", len(tt.wantBatches), len(sealed))
			}
			for i, b := range sealed {
				if b.Trigger != record.TriggerSize {
					t.Errorf("batch %d trigger = %s", i, b.Trigger)
				}
				if b.Len() != tt.wantBatches[i] {
					t.Errorf("batch %d len = %d, want %d", i, b.Len(), tt.wantBatches[i])
				}
				if b.ByteSize > 100 && b.Len() > 1 {
					t.Errorf("multi-record batch %d exceeds size bound: %d", i, b.ByteSize)
				}
			}
			if acc.Pending() != tt.wantPending {
				t.Errorf("pending = %d, want %d", acc.Pending(), tt.wantPending)
			}
		})
	}
}

func TestAccumulatorAgeTrigger(t *testing.T) {
	acc := NewAccumulator(Limits{MaxAge: 2 * time.Second, MaxBytes: 1 << 30, MaxRecords: 1000})
	acc.Add(rec("a", 0), 10, t0)
	acc.Add(rec("b", 0), 10, t0.Add(time.Second))

	if got := acc.Expire(t0.Add(1999 * time.Millisecond)); len(got) != 0 {
		t.Fatalf("nothing should expire before 2s, got %d", len(got))
	}
	got := acc.Expire(t0.Add(2 * time.Second))
	if len(got) != 1 || got[0].Key.Pool != "a" || got[0].Trigger != record.TriggerAge {
		t.Fatalf("expected pool a sealed by age, got %+v", got)
	}
	if !got[0].SealedAt.Equal(t0.Add(2 * time.Second)) {
		t.Errorf("SealedAt = %v", got[0].SealedAt)
	}
	got = acc.Expire(t0.Add(3 * time.Second))
	if len(got) != 1 || got[0].Key.Pool != "b" {
		t.Fatalf("expected pool b sealed, got %+v", got)
	}
	if acc.Open() != 0 {
		t.Errorf("expected no open batches")
	}
}

func TestAccumulatorSealAll(t *testing.T) {
	acc := NewAccumulator(Limits{MaxAge: time.Hour, MaxBytes: 1 << 30, MaxRecords: 1000})
	acc.Add(rec("a", 0), 10, t0)
	acc.Add(rec("b", 0), 10, t0)
	acc.Add(rec("a", 1), 10, t0)

	got := acc.SealAll(t0)
	if len(got) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(got))
	}
	if got[0].Key.Pool != "a" || got[0].Len() != 2 || got[1].Key.Pool != "b" {
		t.Errorf("unexpected flush result")
	}
	for _, b := range got {
		if b.Trigger != record.TriggerFlush {
			t.Errorf("trigger = %s", b.Trigger)
		}
	}
	if len(acc.SealAll(t0)) != 0 {
		t.Error("second SealAll should be empty")
	}
}

func TestAccumulatorKeysAreIndependent(t *testing.T) {
	acc := NewAccumulator(Limits{MaxAge: time.Hour, MaxBytes: 1 << 30, MaxRecords: 2})
	if len(acc.Add(rec("a", 0), 1, t0)) != 0 || len(acc.Add(rec("b", 0), 1, t0)) != 0 {
		t.Fatal("different pools must not share a batch")
	}
	sealed := acc.Add(rec("a", 1), 1, t0)
	if len(sealed) != 1 || sealed[0].Key.Pool != "a" {
		t.Fatal("expected pool a sealed at count 2")
	}
}

// collectSink gathers submitted batches.
type collectSink struct {
	mu      sync.Mutex
	batches []*record.Batch
}

func (s *collectSink) Submit(b *record.Batch) {
	s.mu.Lock()
	s.batches = append(s.batches, b)
	s.mu.Unlock()
}

func (s *collectSink) snapshot() []*record.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*record.Batch(nil), s.batches...)
}

func startBatcher(t *testing.T, q *queue.Queue, sink Sink, opts ...Option) (*Batcher, context.CancelFunc) {
	t.Helper()
	b := New(q, sink, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go b.Start(ctx)
	return b, cancel
}

func TestBatcher5000RecordsSplitInOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q, err := queue.New(10000)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5000; i++ {
		if err := q.Enqueue(rec("q", i), false); err != nil {
			t.Fatal(err)
		}
	}

	sink := &collectSink{}
	b, cancel := startBatcher(t, q, sink, WithLimits(Limits{MaxAge: time.Hour}))
	defer func() {
		cancel()
		b.Wait()
	}()

	if err := b.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	batches := sink.snapshot()
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(batches))
	}
	if batches[0].Len() != 4096 || batches[0].Trigger != record.TriggerCount {
		t.Errorf("first batch: len=%d trigger=%s", batches[0].Len(), batches[0].Trigger)
	}
	if batches[1].Len() != 904 || batches[1].Trigger != record.TriggerFlush {
		t.Errorf("second batch: len=%d trigger=%s", batches[1].Len(), batches[1].Trigger)
	}

	i := 0
	for _, batch := range batches {
		for _, r := range batch.Records {
			if r.Message != strconv.Itoa(i) {
				t.Fatalf("record %d out of order: %s", i, r.Message)
			}
			i++
		}
	}
}

func TestBatcherAgeSealsWithRealTicker(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q, _ := queue.New(100)
	sink := &collectSink{}
	b, cancel := startBatcher(t, q, sink,
		WithLimits(Limits{MaxAge: 50 * time.Millisecond}),
		WithTickInterval(5*time.Millisecond),
	)
	defer func() {
		cancel()
		b.Wait()
	}()

	r := rec("q", 0)
	r.Timestamp = time.Now()
	if err := q.Enqueue(r, false); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(sink.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	got := sink.snapshot()
	if len(got) != 1 || got[0].Trigger != record.TriggerAge {
		t.Fatalf("expected one age-sealed batch, got %d", len(got))
	}
}

func TestBatcherDropsOversizedRecord(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q, _ := queue.New(100)
	sink := &collectSink{}
	st, _ := stats.New(nil)
	var mu sync.Mutex
	var rejected []record.Record
	b, cancel := startBatcher(t, q, sink,
		WithLimits(Limits{MaxAge: time.Hour}),
		WithStats(st),
		WithRejectHook(func(r record.Record) {
			mu.Lock()
			rejected = append(rejected, r)
			mu.Unlock()
		}),
	)
	defer func() {
		cancel()
		b.Wait()
	}()

	big := rec("q", 1)
	big.Message = strings.Repeat("x", encoder.MaxValueSize+1)
	_ = q.Enqueue(rec("q", 0), false)
	_ = q.Enqueue(big, false)
	_ = q.Enqueue(rec("q", 2), false)

	if err := b.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	batches := sink.snapshot()
	if len(batches) != 1 || batches[0].Len() != 2 {
		t.Fatalf("expected the two valid records in one batch, got %d batches", len(batches))
	}
	mu.Lock()
	defer mu.Unlock()
	if len(rejected) != 1 || rejected[0].Message != big.Message {
		t.Errorf("expected the oversized record rejected")
	}
	if st.Snapshot().RecordsDropped != 1 {
		t.Errorf("expected 1 dropped record, got %d", st.Snapshot().RecordsDropped)
	}
}

func TestBatcherStopSealsRemaining(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q, _ := queue.New(100)
	sink := &collectSink{}
	b, cancel := startBatcher(t, q, sink, WithLimits(Limits{MaxAge: time.Hour}))

	for i := 0; i < 10; i++ {
		_ = q.Enqueue(rec("q", i), false)
	}
	q.Close()
	cancel()
	b.Wait()

	total := 0
	for _, batch := range sink.snapshot() {
		total += batch.Len()
	}
	if total != 10 {
		t.Errorf("expected all 10 records sealed on stop, got %d", total)
	}

	if err := b.Flush(context.Background()); err != ErrStopped {
		t.Errorf("expected ErrStopped after exit, got %v", err)
	}
}

func TestBatcherRequestFlush(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q, _ := queue.New(100)
	sink := &collectSink{}
	b := New(q, sink, WithLimits(Limits{MaxAge: time.Hour}))

	for i := 0; i < 3; i++ {
		_ = q.Enqueue(rec("q", i), false)
	}
	// before the loop runs: never blocks, repeated requests collapse into one
	for i := 0; i < 10; i++ {
		b.RequestFlush()
	}

	ctx, cancel := context.WithCancel(context.Background())
	go b.Start(ctx)
	defer func() {
		cancel()
		b.Wait()
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(sink.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	got := sink.snapshot()
	if len(got) != 1 || got[0].Len() != 3 || got[0].Trigger != record.TriggerFlush {
		t.Fatalf("expected one flush-sealed batch of 3, got %d batches", len(got))
	}
}

func TestBatcherFlushHonorsContext(t *testing.T) {
	q, _ := queue.New(10)
	b := New(q, &collectSink{})
	// not started: the request can never be accepted
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := b.Flush(ctx); err != context.DeadlineExceeded {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
