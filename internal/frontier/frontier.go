package frontier

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Task is a unit of pending crawl work: a normalised URL and the depth at
// which it was discovered.
type Task struct {
	URL   string
	Depth int
}

// Frontier is a thread-safe FIFO queue of crawl tasks with a built-in visited
// set. Admission atomically claims the URL in the visited set before
// enqueueing it, so racing producers cannot schedule the same URL twice.
//
// The frontier also tracks outstanding work: Admit increments the count and
// TaskDone decrements it. When the count reaches zero with an empty queue the
// frontier closes itself and every blocked Next call drains out, which is how
// the coordinator detects a finished crawl.
type Frontier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Task
	visited map[string]struct{}
	pending int
	closed  bool
}

// New returns an empty open frontier.
func New() *Frontier {
	f := &Frontier{
		visited: make(map[string]struct{}),
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Admit claims the task's URL in the visited set and enqueues it. It returns
// false when the URL was already claimed or the frontier is closed; in both
// cases the task is dropped.
func (f *Frontier) Admit(task Task) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return false
	}
	if _, seen := f.visited[task.URL]; seen {
		return false
	}

	f.visited[task.URL] = struct{}{}
	f.queue = append(f.queue, task)
	f.pending++
	f.cond.Signal()
	return true
}

// Next blocks until a task is available or the frontier closes. The second
// return value is false once the frontier is closed and drained.
func (f *Frontier) Next() (Task, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for len(f.queue) == 0 && !f.closed {
		f.cond.Wait()
	}
	if len(f.queue) == 0 {
		return Task{}, false
	}

	task := f.queue[0]
	f.queue = f.queue[1:]
	return task, true
}

// TaskDone marks one admitted task as fully processed (including any child
// admissions, which must happen before the call). When no work remains the
// frontier closes.
func (f *Frontier) TaskDone() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pending > 0 {
		f.pending--
	}
	if f.pending == 0 && len(f.queue) == 0 && !f.closed {
		f.closed = true
		log.Debug().Int("visited", len(f.visited)).Msg("Frontier drained, closing")
		f.cond.Broadcast()
	}
}

// Close stops admission and releases all blocked Next callers. Queued tasks
// that were never dequeued are discarded. Close is idempotent.
func (f *Frontier) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	f.queue = nil
	f.cond.Broadcast()
}

// Visited reports whether a URL has ever been claimed.
func (f *Frontier) Visited(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, seen := f.visited[url]
	return seen
}

// Len returns the number of queued (not yet dequeued) tasks.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

// VisitedCount returns the total number of URLs ever claimed.
func (f *Frontier) VisitedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.visited)
}
