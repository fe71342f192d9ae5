package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryEntry struct {
	job        *Job
	state      JobState
	token      string
	runAt      time.Time
	leaseUntil time.Time
}

// MemoryBackend keeps jobs in process memory. Jobs do not survive a restart.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	waiting []string
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries: make(map[string]*memoryEntry),
	}
}

func cloneJob(job *Job) *Job {
	c := *job
	if job.Payload != nil {
		c.Payload = append([]byte(nil), job.Payload...)
	}
	return &c
}

func (m *MemoryBackend) Add(_ context.Context, job *Job, runAt time.Time, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[job.ID]; exists {
		return false, nil
	}

	entry := &memoryEntry{job: cloneJob(job), state: StateWaiting}
	if runAt.After(now) {
		entry.state = StateDelayed
		entry.runAt = runAt
	} else {
		m.waiting = append(m.waiting, job.ID)
	}
	m.entries[job.ID] = entry
	return true, nil
}

func (m *MemoryBackend) Reserve(_ context.Context, token string, now time.Time, leaseUntil time.Time) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.promoteDelayed(now)

	for len(m.waiting) > 0 {
		id := m.waiting[0]
		m.waiting = m.waiting[1:]

		entry, ok := m.entries[id]
		if !ok || entry.state != StateWaiting {
			continue
		}
		entry.state = StateActive
		entry.token = token
		entry.leaseUntil = leaseUntil
		return cloneJob(entry.job), nil
	}

	return nil, nil
}

func (m *MemoryBackend) promoteDelayed(now time.Time) {
	var due []*memoryEntry
	for _, entry := range m.entries {
		if entry.state == StateDelayed && !entry.runAt.After(now) {
			due = append(due, entry)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].runAt.Before(due[j].runAt) })

	for _, entry := range due {
		entry.state = StateWaiting
		m.waiting = append(m.waiting, entry.job.ID)
	}
}

// owned returns the active entry for id if token still holds its lease.
func (m *MemoryBackend) owned(id, token string) (*memoryEntry, error) {
	entry, ok := m.entries[id]
	if !ok || entry.state != StateActive || entry.token != token {
		return nil, ErrLeaseLost
	}
	return entry, nil
}

func (m *MemoryBackend) Extend(_ context.Context, id, token string, leaseUntil time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.owned(id, token)
	if err != nil {
		return err
	}
	entry.leaseUntil = leaseUntil
	return nil
}

func (m *MemoryBackend) Complete(_ context.Context, id, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.owned(id, token); err != nil {
		return err
	}
	delete(m.entries, id)
	return nil
}

func (m *MemoryBackend) Retry(_ context.Context, job *Job, token string, runAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.owned(job.ID, token)
	if err != nil {
		return err
	}
	stalled := entry.job.StalledCount
	entry.job = cloneJob(job)
	entry.job.StalledCount = stalled
	entry.state = StateDelayed
	entry.token = ""
	entry.runAt = runAt
	return nil
}

func (m *MemoryBackend) Fail(_ context.Context, job *Job, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.owned(job.ID, token); err != nil {
		return err
	}
	delete(m.entries, job.ID)
	return nil
}

func (m *MemoryBackend) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[id]
	if !ok {
		return ErrJobNotFound
	}
	if entry.state == StateActive {
		return ErrJobActive
	}
	delete(m.entries, id)
	return nil
}

func (m *MemoryBackend) State(_ context.Context, id string) (JobState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[id]
	if !ok {
		return StateUnknown, nil
	}
	return entry.state, nil
}

func (m *MemoryBackend) RecoverStalled(_ context.Context, now time.Time, maxStalled int) (int, []*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	requeued := 0
	var failed []*Job
	for id, entry := range m.entries {
		if entry.state != StateActive || !entry.leaseUntil.Before(now) {
			continue
		}

		entry.job.StalledCount++
		entry.token = ""
		if entry.job.StalledCount > maxStalled {
			delete(m.entries, id)
			failed = append(failed, cloneJob(entry.job))
			continue
		}

		entry.state = StateWaiting
		m.waiting = append(m.waiting, id)
		requeued++
	}

	return requeued, failed, nil
}

func (m *MemoryBackend) Close() error {
	return nil
}
