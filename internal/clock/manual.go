package clock

import (
	"sync"
	"time"
)

type manualTask struct {
	at time.Time
	fn func()
}

// Manual is a Scheduler whose time only moves when Advance or Set is called.
// Due callbacks run synchronously on the goroutine that moves the clock, in
// deadline order (ties in scheduling order), with Now reporting each task's
// deadline while it runs. Callbacks may schedule or cancel further tasks.
type Manual struct {
	mu    sync.Mutex
	now   time.Time
	next  Token
	tasks map[Token]*manualTask
}

// NewManual creates a manual scheduler starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{
		now:   start,
		tasks: make(map[Token]*manualTask),
	}
}

// Now returns the manual clock's current time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After implements Scheduler.
func (m *Manual) After(d time.Duration, fn func()) Token {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	m.tasks[m.next] = &manualTask{at: m.now.Add(d), fn: fn}
	return m.next
}

// Cancel implements Scheduler.
func (m *Manual) Cancel(tok Token) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[tok]; !ok {
		return false
	}
	delete(m.tasks, tok)
	return true
}

// CancelAll implements Scheduler.
func (m *Manual) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = make(map[Token]*manualTask)
}

// Pending implements Scheduler.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Advance moves the clock forward by d, running every task that falls due.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()
	m.Set(target)
}

// Set moves the clock to t, running every task due at or before t. Moving
// backwards is ignored.
func (m *Manual) Set(t time.Time) {
	for {
		m.mu.Lock()
		tok, task := m.earliestLocked(t)
		if task == nil {
			if t.After(m.now) {
				m.now = t
			}
			m.mu.Unlock()
			return
		}
		delete(m.tasks, tok)
		if task.at.After(m.now) {
			m.now = task.at
		}
		m.mu.Unlock()

		task.fn()
	}
}

func (m *Manual) earliestLocked(limit time.Time) (Token, *manualTask) {
	var (
		bestTok  Token
		bestTask *manualTask
	)
	for tok, task := range m.tasks {
		if task.at.After(limit) {
			continue
		}
		if bestTask == nil || task.at.Before(bestTask.at) ||
			(task.at.Equal(bestTask.at) && tok < bestTok) {
			bestTok, bestTask = tok, task
		}
	}
	return bestTok, bestTask
}

var _ Scheduler = (*Manual)(nil)
