package queue

import (
	"fmt"
	"sync"
	"testing"

	"github.com/VamsiGaletiInfinize/crawlscrap/internal/config"
)

func newTestQueue(mutate func(*config.QueueConfig)) *Queue {
	cfg := config.QueueConfig{MaxSize: 100, BatchSize: 10, DomainBatchSize: 3}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg)
}

func TestAddRejectsDuplicates(t *testing.T) {
	q := newTestQueue(nil)

	if !q.Add("https://example.com/", 0, "", -1) {
		t.Fatal("first add rejected")
	}
	if q.Add("https://example.com/", 1, "https://example.com/", -1) {
		t.Fatal("duplicate accepted while queued")
	}

	batch := q.GetBatch()
	if len(batch) != 1 {
		t.Fatalf("batch = %d items", len(batch))
	}
	if q.Add("https://example.com/", 1, "", -1) {
		t.Fatal("duplicate accepted while in progress")
	}

	q.Complete("https://example.com/")
	if q.Add("https://example.com/", 1, "", -1) {
		t.Fatal("duplicate accepted after processing")
	}

	if got := q.Stats().Duplicates; got != 3 {
		t.Fatalf("duplicates = %d, want 3", got)
	}
}

func TestGetBatchPriorityAndDomainCap(t *testing.T) {
	q := newTestQueue(func(c *config.QueueConfig) { c.BatchSize = 5; c.DomainBatchSize = 2 })

	for i := 0; i < 4; i++ {
		q.Add(fmt.Sprintf("https://a.com/%d", i), 2, "", -1)
	}
	q.Add("https://b.com/0", 0, "", -1)
	q.Add("https://b.com/1", 1, "", -1)

	batch := q.GetBatch()
	if len(batch) != 4 {
		t.Fatalf("batch size = %d, want 4 (2 per domain)", len(batch))
	}
	if batch[0].URL != "https://b.com/0" {
		t.Fatalf("lowest priority first, got %s", batch[0].URL)
	}
	perHost := map[string]int{}
	for _, task := range batch {
		perHost[task.Host]++
	}
	for host, n := range perHost {
		if n > 2 {
			t.Fatalf("host %s got %d slots in one batch", host, n)
		}
	}

	// Remaining a.com URLs surface on the next batch.
	second := q.GetBatch()
	if len(second) != 2 {
		t.Fatalf("second batch = %d, want 2", len(second))
	}
}

func TestDisjointSets(t *testing.T) {
	q := newTestQueue(nil)
	url := "https://example.com/a"

	q.Add(url, 0, "", -1)
	s := q.Stats()
	if s.Queued != 1 || s.InProgress != 0 || s.Processed != 0 {
		t.Fatalf("after add: %+v", s)
	}

	q.GetBatch()
	s = q.Stats()
	if s.Queued != 0 || s.InProgress != 1 || s.Processed != 0 {
		t.Fatalf("after batch: %+v", s)
	}

	q.Complete(url)
	s = q.Stats()
	if s.Queued != 0 || s.InProgress != 0 || s.Processed != 1 {
		t.Fatalf("after complete: %+v", s)
	}

	// Completing twice is a no-op.
	q.Complete(url)
	if got := q.Stats().Completed; got != 1 {
		t.Fatalf("completed = %d, want 1", got)
	}
}

func TestFailWithRetryRequeues(t *testing.T) {
	q := newTestQueue(nil)
	q.Add("https://example.com/a", 0, "", -1)
	q.Add("https://example.com/b", 1, "", -1)
	q.GetBatch()

	q.Fail("https://example.com/a", true)
	q.Fail("https://example.com/b", false)

	s := q.Stats()
	if s.Queued != 1 || s.Processed != 1 || s.Retried != 1 || s.Failed != 2 {
		t.Fatalf("after failures: %+v", s)
	}

	batch := q.GetBatch()
	if len(batch) != 1 || batch[0].Priority != 100 {
		t.Fatalf("retried task = %+v", batch)
	}
}

func TestOverflowSignal(t *testing.T) {
	q := newTestQueue(func(c *config.QueueConfig) { c.MaxSize = 2 })

	var overflowed []string
	q.Subscribe(EventOverflow, func(url string) { overflowed = append(overflowed, url) })

	q.Add("https://example.com/1", 0, "", -1)
	q.Add("https://example.com/2", 0, "", -1)
	if q.Add("https://example.com/3", 0, "", -1) {
		t.Fatal("add over maxSize accepted")
	}

	if len(overflowed) != 1 || overflowed[0] != "https://example.com/3" {
		t.Fatalf("overflow events = %v", overflowed)
	}
	if q.Stats().Overflows != 1 {
		t.Fatalf("overflows = %d", q.Stats().Overflows)
	}
}

func TestIsFinished(t *testing.T) {
	q := newTestQueue(nil)
	q.Add("https://example.com/", 0, "", -1)

	if q.IsFinished() {
		t.Fatal("finished before discovery-complete")
	}
	q.MarkDiscoveryComplete()
	if q.IsFinished() {
		t.Fatal("finished with queued work")
	}

	q.GetBatch()
	if q.IsFinished() {
		t.Fatal("finished with in-progress work")
	}

	q.Complete("https://example.com/")
	if !q.IsFinished() {
		t.Fatal("should be finished")
	}
}

func TestEvents(t *testing.T) {
	q := newTestQueue(nil)

	var mu sync.Mutex
	got := map[Event]int{}
	record := func(ev Event) func(string) {
		return func(string) {
			mu.Lock()
			got[ev]++
			mu.Unlock()
		}
	}
	q.Subscribe(EventURLAdded, record(EventURLAdded))
	q.Subscribe(EventURLComplete, record(EventURLComplete))
	q.Subscribe(EventURLFailed, record(EventURLFailed))
	q.Subscribe(EventDiscoveryComplete, record(EventDiscoveryComplete))

	q.Add("https://example.com/a", 0, "", -1)
	q.Add("https://example.com/b", 0, "", -1)
	q.GetBatch()
	q.Complete("https://example.com/a")
	q.Fail("https://example.com/b", false)
	q.MarkDiscoveryComplete()
	q.MarkDiscoveryComplete() // second call must not re-emit

	if got[EventURLAdded] != 2 || got[EventURLComplete] != 1 || got[EventURLFailed] != 1 || got[EventDiscoveryComplete] != 1 {
		t.Fatalf("events = %v", got)
	}
}

func TestConcurrentProducers(t *testing.T) {
	q := newTestQueue(func(c *config.QueueConfig) { c.MaxSize = 10000; c.BatchSize = 100 })

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.Add(fmt.Sprintf("https://example.com/%d/%d", w, i), 1, "", -1)
				// Every producer also races on a shared URL.
				q.Add("https://example.com/shared", 1, "", -1)
			}
		}(w)
	}
	wg.Wait()

	s := q.Stats()
	if s.Added != 801 {
		t.Fatalf("added = %d, want 801", s.Added)
	}
	if s.Duplicates != 799 {
		t.Fatalf("duplicates = %d, want 799", s.Duplicates)
	}
}
