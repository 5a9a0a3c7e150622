package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"

	"github.com/mergegate/mergegate/pkg/domain/model"
	"github.com/mergegate/mergegate/pkg/domain/types"
)

// RunStore keeps runs and their transition log in process memory. The
// store-wide mutex linearizes concurrent mutations per run, which is
// all the state machine requires.
type RunStore struct {
	mu          sync.RWMutex
	runs        map[uuid.UUID]*model.Run
	transitions map[uuid.UUID][]*model.RunTransition
}

// NewRunStore creates an empty run store.
func NewRunStore() *RunStore {
	return &RunStore{
		runs:        make(map[uuid.UUID]*model.Run),
		transitions: make(map[uuid.UUID][]*model.RunTransition),
	}
}

// Save creates a new run record.
func (s *RunStore) Save(ctx context.Context, run *model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return goerr.New("run already exists", goerr.T(types.TagState), goerr.V("run_id", run.ID))
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

// Get loads a run by ID.
func (s *RunStore) Get(ctx context.Context, id uuid.UUID) (*model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, goerr.Wrap(types.ErrRunNotFound, "no such run", goerr.V("run_id", id))
	}
	return cloneRun(run), nil
}

// Mutate applies fn to the stored run under the store lock, so two
// racing transitions cannot both observe the same prior state.
func (s *RunStore) Mutate(ctx context.Context, id uuid.UUID, fn func(run *model.Run) error) (*model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, goerr.Wrap(types.ErrRunNotFound, "no such run", goerr.V("run_id", id))
	}

	next := cloneRun(run)
	if err := fn(next); err != nil {
		return nil, err
	}
	s.runs[id] = next
	return cloneRun(next), nil
}

// Query lists runs matching q, newest first.
func (s *RunStore) Query(ctx context.Context, q model.RunQuery) ([]*model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*model.Run
	for _, run := range s.runs {
		if q.OrgID != "" && run.OrgID != q.OrgID {
			continue
		}
		if q.State != "" && run.State != q.State {
			continue
		}
		if q.RepoID != "" && run.RepoID != q.RepoID {
			continue
		}
		if q.HeadSHA != "" && run.HeadSHA != q.HeadSHA {
			continue
		}
		if q.PRNumber != 0 && run.PRNumber != q.PRNumber {
			continue
		}
		matched = append(matched, run)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[q.Offset:]
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]*model.Run, len(matched))
	for i, run := range matched {
		out[i] = cloneRun(run)
	}
	return out, nil
}

// SaveTransition appends an audit record.
func (s *RunStore) SaveTransition(ctx context.Context, tr *model.RunTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *tr
	s.transitions[tr.RunID] = append(s.transitions[tr.RunID], &cp)
	return nil
}

// ListTransitions returns the run's transitions in sequence order.
func (s *RunStore) ListTransitions(ctx context.Context, runID uuid.UUID) ([]*model.RunTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trs := s.transitions[runID]
	out := make([]*model.RunTransition, len(trs))
	for i, tr := range trs {
		cp := *tr
		out[i] = &cp
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func cloneRun(run *model.Run) *model.Run {
	cp := *run
	cp.Policies = append([]string(nil), run.Policies...)
	cp.Tools = append([]string(nil), run.Tools...)
	if run.Result != nil {
		cp.Result = make(map[string]any, len(run.Result))
		for k, v := range run.Result {
			cp.Result[k] = v
		}
	}
	cp.Transitions = nil
	return &cp
}
