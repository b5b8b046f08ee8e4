package store

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"loadflow/internal/model"
)

// Store holds completed schedule runs in memory, indexed by ID and by
// network name.
type Store struct {
	mu       sync.RWMutex
	byID     map[uuid.UUID]*model.ScheduleRun
	networks map[string][]*model.ScheduleRun // sorted by start time
}

func New() *Store {
	return &Store{
		byID:     make(map[uuid.UUID]*model.ScheduleRun),
		networks: make(map[string][]*model.ScheduleRun),
	}
}

// AddRun stores a run. Re-adding a run with the same ID replaces it.
func (s *Store) AddRun(run *model.ScheduleRun) {
	if run == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.byID[run.ID]; ok {
		s.remove(old)
	}
	s.byID[run.ID] = run
	runs := append(s.networks[run.Network], run)
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].StartedAt.Before(runs[j].StartedAt)
	})
	s.networks[run.Network] = runs
}

func (s *Store) remove(run *model.ScheduleRun) {
	runs := s.networks[run.Network]
	for i, r := range runs {
		if r == run {
			s.networks[run.Network] = append(runs[:i:i], runs[i+1:]...)
			return
		}
	}
}

// Run returns the run with the given ID.
func (s *Store) Run(id uuid.UUID) (*model.ScheduleRun, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	return r, ok
}

// Networks returns the names of networks with stored runs, sorted.
func (s *Store) Networks() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.networks))
	for name, runs := range s.networks {
		if len(runs) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Runs returns every stored run ordered by start time.
func (s *Store) Runs() []*model.ScheduleRun {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*model.ScheduleRun, 0, len(s.byID))
	for _, r := range s.byID {
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].StartedAt.Equal(all[j].StartedAt) {
			return all[i].ID.String() < all[j].ID.String()
		}
		return all[i].StartedAt.Before(all[j].StartedAt)
	})
	return all
}

// RunCount returns the number of runs stored for a network.
func (s *Store) RunCount(network string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.networks[network])
}

// TimeRange returns the span of start times of a network's runs.
func (s *Store) TimeRange(network string) (model.TimeRange, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := s.networks[network]
	if len(runs) == 0 {
		return model.TimeRange{}, false
	}
	return model.TimeRange{
		Start: runs[0].StartedAt,
		End:   runs[len(runs)-1].StartedAt,
	}, true
}

// RunsInRange returns a network's runs started between start (inclusive)
// and end (exclusive).
func (s *Store) RunsInRange(network string, start, end time.Time) []*model.ScheduleRun {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.networks[network]
	if len(all) == 0 {
		return nil
	}

	startIdx := sort.Search(len(all), func(i int) bool {
		return !all[i].StartedAt.Before(start)
	})
	endIdx := sort.Search(len(all), func(i int) bool {
		return !all[i].StartedAt.Before(end)
	})
	if startIdx >= endIdx {
		return nil
	}

	result := make([]*model.ScheduleRun, endIdx-startIdx)
	copy(result, all[startIdx:endIdx])
	return result
}

// RunAt returns the most recent run of a network started at or before t.
func (s *Store) RunAt(network string, t time.Time) (*model.ScheduleRun, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.networks[network]
	idx := sort.Search(len(all), func(i int) bool {
		return all[i].StartedAt.After(t)
	})
	if idx == 0 {
		return nil, false
	}
	return all[idx-1], true
}

// Latest returns the most recently started run of a network.
func (s *Store) Latest(network string) (*model.ScheduleRun, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.networks[network]
	if len(all) == 0 {
		return nil, false
	}
	return all[len(all)-1], true
}
