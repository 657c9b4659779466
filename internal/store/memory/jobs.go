package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"cleanbox/internal/model"
	"cleanbox/internal/store"
)

type JobStore struct {
	mu     sync.Mutex
	jobs   map[int64]model.JobRecord
	nextID int64
}

var _ store.JobStore = (*JobStore)(nil)

func NewJobStore() *JobStore {
	return &JobStore{jobs: map[int64]model.JobRecord{}}
}

func (s *JobStore) InsertJob(_ context.Context, in *model.JobRecord) (*model.JobRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, j := range s.jobs {
		if j.Key == in.Key && j.Status.IsLive() {
			return &j, false, nil
		}
	}
	s.nextID++
	j := *in
	j.ID = s.nextID
	if j.Status == "" {
		j.Status = model.JobWaiting
	}
	s.jobs[j.ID] = j
	return &j, true, nil
}

func (s *JobStore) GetJob(_ context.Context, id int64) (*model.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &j, nil
}

func (s *JobStore) GetLiveJob(_ context.Context, key string) (*model.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Key == key && j.Status.IsLive() {
			return &j, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *JobStore) ClaimDueJobs(_ context.Context, now time.Time, limit int) ([]*model.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []model.JobRecord
	for _, j := range s.jobs {
		if (j.Status == model.JobWaiting || j.Status == model.JobDelayed) && !j.NextRunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool {
		if !due[i].NextRunAt.Equal(due[k].NextRunAt) {
			return due[i].NextRunAt.Before(due[k].NextRunAt)
		}
		return due[i].ID < due[k].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*model.JobRecord, 0, len(due))
	for _, j := range due {
		j.Status = model.JobActive
		j.UpdatedAt = now
		s.jobs[j.ID] = j
		out = append(out, &j)
	}
	return out, nil
}

// transition applies fn to an active job.
func (s *JobStore) transition(id int64, fn func(j *model.JobRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != model.JobActive {
		return store.ErrNotFound
	}
	fn(&j)
	s.jobs[id] = j
	return nil
}

func (s *JobStore) ReleaseJob(_ context.Context, id int64, at time.Time) error {
	return s.transition(id, func(j *model.JobRecord) {
		j.Status = model.JobWaiting
		j.UpdatedAt = at
	})
}

func (s *JobStore) CompleteJob(_ context.Context, id int64, at time.Time) error {
	return s.transition(id, func(j *model.JobRecord) {
		j.Status = model.JobCompleted
		j.AttemptsMade++
		j.UpdatedAt = at
		j.FinishedAt = &at
	})
}

func (s *JobStore) RetryJob(_ context.Context, id int64, lastErr string, nextRunAt, at time.Time) error {
	return s.transition(id, func(j *model.JobRecord) {
		j.Status = model.JobDelayed
		j.AttemptsMade++
		j.LastError = &lastErr
		j.NextRunAt = nextRunAt
		j.UpdatedAt = at
	})
}

func (s *JobStore) FailJob(_ context.Context, id int64, lastErr string, at time.Time) error {
	return s.transition(id, func(j *model.JobRecord) {
		j.Status = model.JobFailed
		j.AttemptsMade++
		j.LastError = &lastErr
		j.UpdatedAt = at
		j.FinishedAt = &at
	})
}

func (s *JobStore) ListStalledJobs(_ context.Context, activeBefore time.Time, limit int) ([]*model.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.JobRecord
	for _, j := range s.jobs {
		if j.Status == model.JobActive && j.UpdatedAt.Before(activeBefore) {
			out = append(out, &j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].UpdatedAt.Before(out[k].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *JobStore) ListJobs(_ context.Context, status model.JobStatus, limit int) ([]*model.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.JobRecord
	for _, j := range s.jobs {
		if status == "" || j.Status == status {
			out = append(out, &j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID > out[k].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *JobStore) PruneJobs(_ context.Context, status model.JobStatus, keep int, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finished []model.JobRecord
	for _, j := range s.jobs {
		if j.Status == status {
			finished = append(finished, j)
		}
	}
	sort.Slice(finished, func(i, k int) bool { return finishedAt(finished[i]).After(finishedAt(finished[k])) })

	var removed int64
	for i, j := range finished {
		if i >= keep || finishedAt(j).Before(olderThan) {
			delete(s.jobs, j.ID)
			removed++
		}
	}
	return removed, nil
}

func finishedAt(j model.JobRecord) time.Time {
	if j.FinishedAt != nil {
		return *j.FinishedAt
	}
	return j.UpdatedAt
}
