package flush

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestWaitEmpty(t *testing.T) {
	tr := NewTracker()
	if !tr.Wait(context.Background(), tr.Begin()) {
		t.Error("nothing pending, Wait must return true")
	}
}

func TestWaitForPending(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	tr := NewTracker()
	e1 := tr.Admit()
	e2 := tr.Admit()
	if e1 != e2 {
		t.Fatalf("records admitted before Begin share an epoch: %d vs %d", e1, e2)
	}

	flushed := tr.Begin()
	result := make(chan bool, 1)
	go func() { result <- tr.Wait(context.Background(), flushed) }()

	tr.DoneOne(e1)
	select {
	case <-result:
		t.Fatal("Wait returned with one record outstanding")
	case <-time.After(20 * time.Millisecond):
	}

	tr.Done(map[uint64]int{e2: 1})
	select {
	case ok := <-result:
		if !ok {
			t.Error("expected true")
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return")
	}
}

func TestLaterAdmissionsDoNotExtendWait(t *testing.T) {
	tr := NewTracker()
	old := tr.Admit()
	flushed := tr.Begin()
	newer := tr.Admit()
	if newer <= flushed {
		t.Fatalf("expected newer epoch, got %d <= %d", newer, flushed)
	}

	tr.DoneOne(old)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !tr.Wait(ctx, flushed) {
		t.Error("records admitted after Begin must not block Wait")
	}
	if tr.Outstanding(newer) != 1 {
		t.Errorf("expected 1 outstanding in newer epoch, got %d", tr.Outstanding(newer))
	}
}

func TestWaitTimeout(t *testing.T) {
	tr := NewTracker()
	tr.Admit()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	if tr.Wait(ctx, tr.Begin()) {
		t.Error("expected false on deadline")
	}
	if time.Since(start) > time.Second {
		t.Error("Wait overran its deadline")
	}
}

func TestConcurrentFlushes(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	tr := NewTracker()
	var epochs []uint64
	for i := 0; i < 100; i++ {
		epochs = append(epochs, tr.Admit())
	}

	var wg sync.WaitGroup
	results := make(chan bool, 5)
	for i := 0; i < 5; i++ {
		e := tr.Begin()
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			results <- tr.Wait(ctx, e)
		}()
	}

	for _, e := range epochs {
		tr.DoneOne(e)
	}
	wg.Wait()
	close(results)
	for ok := range results {
		if !ok {
			t.Error("every flush should complete")
		}
	}
}
