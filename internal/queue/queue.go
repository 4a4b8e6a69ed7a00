// Package queue holds the deduplicating crawl frontier.
package queue

import (
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/VamsiGaletiInfinize/crawlscrap/internal/config"
	"github.com/VamsiGaletiInfinize/crawlscrap/pkg/types"
)

// Event names the observable queue signals.
type Event string

const (
	EventURLAdded          Event = "url-added"
	EventURLComplete       Event = "url-complete"
	EventURLFailed         Event = "url-failed"
	EventOverflow          Event = "overflow"
	EventDiscoveryComplete Event = "discovery-complete"
)

// retryPriority deprioritises re-enqueued failures below any depth-based
// priority a fresh URL could carry.
const retryPriority = 100

// Stats is a snapshot of queue counters.
type Stats struct {
	Queued     int
	InProgress int
	Processed  int
	Added      int64
	Duplicates int64
	Overflows  int64
	Completed  int64
	Failed     int64
	Retried    int64
}

// Queue is a bounded, deduplicating frontier. Every URL lives in at most
// one of the queued, in-progress, or processed sets; the dedup view over
// all three is never cleared while a crawl runs.
type Queue struct {
	maxSize         int
	batchSize       int
	domainBatchSize int

	mu            sync.Mutex
	queued        map[string]*types.URLTask
	inProgress    map[string]struct{}
	processed     map[string]struct{}
	order         []*types.URLTask
	discoveryDone bool

	added      int64
	duplicates int64
	overflows  int64
	completed  int64
	failed     int64
	retried    int64

	handlers map[Event][]func(url string)
}

// New builds an empty queue from configuration.
func New(cfg config.QueueConfig) *Queue {
	return &Queue{
		maxSize:         cfg.MaxSize,
		batchSize:       cfg.BatchSize,
		domainBatchSize: cfg.DomainBatchSize,
		queued:          make(map[string]*types.URLTask),
		inProgress:      make(map[string]struct{}),
		processed:       make(map[string]struct{}),
		handlers:        make(map[Event][]func(url string)),
	}
}

// Subscribe registers a callback for a queue event. Callbacks run outside
// the queue lock and must not assume ordering across events.
func (q *Queue) Subscribe(ev Event, fn func(url string)) {
	q.mu.Lock()
	q.handlers[ev] = append(q.handlers[ev], fn)
	q.mu.Unlock()
}

// Add enqueues a URL at the given depth. Duplicates (in any set) are
// rejected; a full queue drops the URL and emits an overflow signal.
// Priority defaults to the depth when negative.
func (q *Queue) Add(rawURL string, depth int, parentURL string, priority int) bool {
	if priority < 0 {
		priority = depth
	}
	host := hostOf(rawURL)

	q.mu.Lock()
	if q.seenLocked(rawURL) {
		q.duplicates++
		q.mu.Unlock()
		return false
	}
	if len(q.queued) >= q.maxSize {
		q.overflows++
		q.mu.Unlock()
		q.emit(EventOverflow, rawURL)
		return false
	}
	task := &types.URLTask{
		URL:        rawURL,
		Depth:      depth,
		ParentURL:  parentURL,
		Host:       host,
		Priority:   priority,
		EnqueuedAt: time.Now(),
	}
	q.queued[rawURL] = task
	q.order = append(q.order, task)
	q.added++
	q.mu.Unlock()

	q.emit(EventURLAdded, rawURL)
	return true
}

// GetBatch moves up to batchSize queued URLs into the in-progress set,
// lowest priority value first, with at most domainBatchSize per host.
func (q *Queue) GetBatch() []types.URLTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	sort.SliceStable(q.order, func(i, j int) bool {
		return q.order[i].Priority < q.order[j].Priority
	})

	perHost := make(map[string]int)
	batch := make([]types.URLTask, 0, q.batchSize)
	remaining := q.order[:0]

	for _, task := range q.order {
		if _, stillQueued := q.queued[task.URL]; !stillQueued {
			continue
		}
		if len(batch) >= q.batchSize || perHost[task.Host] >= q.domainBatchSize {
			remaining = append(remaining, task)
			continue
		}
		perHost[task.Host]++
		delete(q.queued, task.URL)
		q.inProgress[task.URL] = struct{}{}
		batch = append(batch, *task)
	}
	q.order = remaining
	return batch
}

// Complete moves an in-progress URL into the processed set.
func (q *Queue) Complete(rawURL string) {
	q.mu.Lock()
	if _, ok := q.inProgress[rawURL]; !ok {
		q.mu.Unlock()
		return
	}
	delete(q.inProgress, rawURL)
	q.processed[rawURL] = struct{}{}
	q.completed++
	q.mu.Unlock()

	q.emit(EventURLComplete, rawURL)
}

// Fail removes an in-progress URL. With retry it re-enters the queued set
// at a deprioritised position; otherwise it is marked processed.
func (q *Queue) Fail(rawURL string, retry bool) {
	q.mu.Lock()
	if _, ok := q.inProgress[rawURL]; !ok {
		q.mu.Unlock()
		return
	}
	delete(q.inProgress, rawURL)
	q.failed++

	if retry && len(q.queued) < q.maxSize {
		task := &types.URLTask{
			URL:        rawURL,
			Host:       hostOf(rawURL),
			Priority:   retryPriority,
			EnqueuedAt: time.Now(),
		}
		q.queued[rawURL] = task
		q.order = append(q.order, task)
		q.retried++
	} else {
		q.processed[rawURL] = struct{}{}
	}
	q.mu.Unlock()

	q.emit(EventURLFailed, rawURL)
}

// MarkDiscoveryComplete signals that producers will add no further URLs.
func (q *Queue) MarkDiscoveryComplete() {
	q.mu.Lock()
	already := q.discoveryDone
	q.discoveryDone = true
	q.mu.Unlock()

	if !already {
		q.emit(EventDiscoveryComplete, "")
	}
}

// IsFinished reports whether discovery is done and no work remains.
func (q *Queue) IsFinished() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.discoveryDone && len(q.queued) == 0 && len(q.inProgress) == 0
}

// IsEmpty reports whether no URL is queued or in progress.
func (q *Queue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queued) == 0 && len(q.inProgress) == 0
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Queued:     len(q.queued),
		InProgress: len(q.inProgress),
		Processed:  len(q.processed),
		Added:      q.added,
		Duplicates: q.duplicates,
		Overflows:  q.overflows,
		Completed:  q.completed,
		Failed:     q.failed,
		Retried:    q.retried,
	}
}

func (q *Queue) seenLocked(rawURL string) bool {
	if _, ok := q.queued[rawURL]; ok {
		return true
	}
	if _, ok := q.inProgress[rawURL]; ok {
		return true
	}
	_, ok := q.processed[rawURL]
	return ok
}

func (q *Queue) emit(ev Event, url string) {
	q.mu.Lock()
	handlers := q.handlers[ev]
	q.mu.Unlock()
	for _, fn := range handlers {
		fn(url)
	}
}

func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}
