package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docforge/docforge/job"
)

// Memory is an in-process Store with the same transition and
// idempotence semantics as the MongoDB implementation. Used in tests
// and for local development without a database.
type Memory struct {
	mu        sync.Mutex
	jobs      map[string]*job.Job
	documents map[string]*job.Document
	files     map[string][]byte

	// FailNext, when set, makes the next matching operation return a
	// TransientError. Tests use it to exercise retry paths.
	FailNext map[string]int
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:      make(map[string]*job.Job),
		documents: make(map[string]*job.Document),
		files:     make(map[string][]byte),
		FailNext:  make(map[string]int),
	}
}

func (m *Memory) failNext(op string) error {
	if m.FailNext[op] > 0 {
		m.FailNext[op]--
		return &TransientError{Op: op, Err: context.DeadlineExceeded}
	}
	return nil
}

func (m *Memory) CreateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext("create job"); err != nil {
		return err
	}
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext("get job"); err != nil {
		return nil, err
	}
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *Memory) UpdateJobState(_ context.Context, id string, upd StateUpdate) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext("update job state"); err != nil {
		return nil, err
	}
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !job.CanTransition(j.State, upd.State) {
		return nil, ErrInvalidTransition
	}
	j.State = upd.State
	if upd.ErrorDetail != "" {
		j.ErrorDetail = upd.ErrorDetail
	}
	if upd.IncrementAttempts {
		j.Attempts++
	}
	j.UpdatedAt = time.Now().UTC()
	cp := *j
	return &cp, nil
}

func (m *Memory) ListJobs(_ context.Context, ownerID string, limit int) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []*job.Job
	for _, j := range m.jobs {
		if j.OwnerID == ownerID {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CreateDocument(_ context.Context, d *job.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext("create document"); err != nil {
		return err
	}
	if _, exists := m.documents[d.JobID]; exists {
		return nil // idempotent: one document per job
	}
	cp := *d
	m.documents[d.JobID] = &cp
	return nil
}

func (m *Memory) GetDocument(_ context.Context, jobID string) (*job.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.documents[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *Memory) PutFile(_ context.Context, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext("put file"); err != nil {
		return "", err
	}
	id := uuid.NewString()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.files[id] = cp
	return id, nil
}

func (m *Memory) GetFile(_ context.Context, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext("get file"); err != nil {
		return nil, err
	}
	data, ok := m.files[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (m *Memory) ListStalePendingJobs(_ context.Context, olderThan time.Time, limit int) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []*job.Job
	for _, j := range m.jobs {
		if j.State == job.StatePending && j.UpdatedAt.Before(olderThan) {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].UpdatedAt.Before(out[k].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) TouchJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// DocumentCount reports stored documents; test helper.
func (m *Memory) DocumentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.documents)
}
