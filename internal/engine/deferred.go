package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Deferred runs delayed dispatches. Each task is keyed so it can be listed or
// cancelled while it waits.
type Deferred struct {
	mu    sync.Mutex
	tasks map[string]*time.Timer
}

func NewDeferred() *Deferred {
	return &Deferred{tasks: make(map[string]*time.Timer)}
}

// Schedule runs fn after delay and returns the task key. An empty or already
// pending key is replaced with a fresh one.
func (d *Deferred) Schedule(key string, delay time.Duration, fn func()) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, taken := d.tasks[key]; key == "" || taken {
		key = uuid.NewString()
	}
	if delay < 0 {
		delay = 0
	}
	d.tasks[key] = time.AfterFunc(delay, func() {
		d.mu.Lock()
		_, live := d.tasks[key]
		delete(d.tasks, key)
		d.mu.Unlock()
		if live {
			fn()
		}
	})
	return key
}

// Cancel stops a pending task. It returns false when the task already ran.
func (d *Deferred) Cancel(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tasks[key]
	if !ok {
		return false
	}
	delete(d.tasks, key)
	t.Stop()
	return true
}

func (d *Deferred) CancelAll() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.tasks)
	for key, t := range d.tasks {
		t.Stop()
		delete(d.tasks, key)
	}
	return n
}

func (d *Deferred) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tasks)
}

func (d *Deferred) Keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.tasks))
	for k := range d.tasks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
