package services

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"softgate-functions/models"
)

type fakeScheduleStore struct {
	mu      sync.Mutex
	records map[string]models.ScheduleRecord
	calls   []ScheduleFilter
	err     error
}

func newFakeScheduleStore(records ...models.ScheduleRecord) *fakeScheduleStore {
	s := &fakeScheduleStore{records: make(map[string]models.ScheduleRecord)}
	for _, rec := range records {
		s.put(rec)
	}
	return s
}

func (s *fakeScheduleStore) put(rec models.ScheduleRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ResourceID] = rec
}

func (s *fakeScheduleStore) FindSchedules(ctx context.Context, filter ScheduleFilter, limit, offset int) ([]models.ScheduleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, filter)
	if s.err != nil {
		return nil, s.err
	}

	var matched []models.ScheduleRecord
	for _, rec := range s.records {
		if filter.Region != "" && rec.Region != filter.Region {
			continue
		}
		if filter.ResourceType != "" && rec.ResourceType != filter.ResourceType {
			continue
		}
		if filter.Active != nil && rec.Active != *filter.Active {
			continue
		}
		if !filter.UpdatedAfter.IsZero() && !rec.ResourceUpdatedAt.After(filter.UpdatedAfter) {
			continue
		}
		matched = append(matched, rec)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].ResourceUpdatedAt.Equal(matched[j].ResourceUpdatedAt) {
			return matched[i].ResourceUpdatedAt.Before(matched[j].ResourceUpdatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	if offset >= len(matched) {
		return nil, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

type fakeQueue struct {
	mu       sync.Mutex
	messages []*models.TriggerMessage
	raw      chan []byte
	dead     [][]byte
	failFor  map[string]bool
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{raw: make(chan []byte, 64), failFor: make(map[string]bool)}
}

func (q *fakeQueue) Enqueue(ctx context.Context, msg *models.TriggerMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failFor[msg.FunctionID] {
		return errors.New("queue unavailable")
	}
	q.messages = append(q.messages, msg)
	return nil
}

func (q *fakeQueue) Dequeue(ctx context.Context, timeout time.Duration) ([]byte, error) {
	select {
	case raw := <-q.raw:
		return raw, nil
	case <-time.After(timeout):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *fakeQueue) DeadLetter(ctx context.Context, raw []byte, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, raw)
	return nil
}

func (q *fakeQueue) sent() []*models.TriggerMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*models.TriggerMessage(nil), q.messages...)
}

func (q *fakeQueue) deadLetters() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.dead)
}

type fakeFunctionStore struct {
	functions   map[string]*models.Function
	deployments map[string]*models.Deployment
	builds      map[string]*models.Build
	listCalls   int
}

func newFakeFunctionStore() *fakeFunctionStore {
	return &fakeFunctionStore{
		functions:   make(map[string]*models.Function),
		deployments: make(map[string]*models.Deployment),
		builds:      make(map[string]*models.Build),
	}
}

// addReady registers a function with a ready deployment and build.
func (s *fakeFunctionStore) addReady(fn *models.Function) {
	fn.Deployment = "dep-" + fn.ID
	s.functions[fn.ID] = fn
	s.deployments[fn.Deployment] = &models.Deployment{
		ID:         fn.Deployment,
		InternalID: "101",
		ProjectID:  fn.ProjectID,
		ResourceID: fn.ID,
		BuildID:    "build-" + fn.ID,
		Entrypoint: "index.js",
	}
	s.builds["build-"+fn.ID] = &models.Build{
		ID:         "build-" + fn.ID,
		ProjectID:  fn.ProjectID,
		Status:     models.BuildStatusReady,
		OutputPath: "/storage/builds/" + fn.ID + ".tar.gz",
	}
}

func (s *fakeFunctionStore) GetFunction(ctx context.Context, projectID, id string) (*models.Function, error) {
	fn, ok := s.functions[id]
	if !ok || fn.ProjectID != projectID {
		return nil, nil
	}
	return fn, nil
}

func (s *fakeFunctionStore) ListFunctions(ctx context.Context, projectID string, limit, offset int) ([]models.Function, error) {
	s.listCalls++
	var all []models.Function
	for _, fn := range s.functions {
		if fn.ProjectID == projectID {
			all = append(all, *fn)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (s *fakeFunctionStore) GetDeployment(ctx context.Context, projectID, id string) (*models.Deployment, error) {
	return s.deployments[id], nil
}

func (s *fakeFunctionStore) GetBuild(ctx context.Context, projectID, id string) (*models.Build, error) {
	return s.builds[id], nil
}

// fakeExecutionStore records every status each execution passes through.
type fakeExecutionStore struct {
	mu         sync.Mutex
	executions map[string]models.Execution
	history    map[string][]string
	createErr  error
}

func newFakeExecutionStore() *fakeExecutionStore {
	return &fakeExecutionStore{
		executions: make(map[string]models.Execution),
		history:    make(map[string][]string),
	}
}

func (s *fakeExecutionStore) GetExecution(ctx context.Context, projectID, id string) (*models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[id]
	if !ok || exec.ProjectID != projectID {
		return nil, nil
	}
	return &exec, nil
}

func (s *fakeExecutionStore) CreateExecution(ctx context.Context, exec *models.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	if _, ok := s.executions[exec.ID]; ok {
		return ErrDuplicateExecution
	}
	s.executions[exec.ID] = *exec
	s.history[exec.ID] = append(s.history[exec.ID], exec.Status)
	return nil
}

func (s *fakeExecutionStore) TransitionExecution(ctx context.Context, exec *models.Execution, from string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.executions[exec.ID]
	if !ok {
		return false, ErrExecutionNotFound
	}
	if current.Status != from {
		return false, nil
	}
	s.executions[exec.ID] = *exec
	s.history[exec.ID] = append(s.history[exec.ID], exec.Status)
	return true, nil
}

func (s *fakeExecutionStore) statuses(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.history[id]...)
}

func (s *fakeExecutionStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.executions)
}

// fakeRunner returns result or err, or blocks until ctx ends when block is set.
type fakeRunner struct {
	mu       sync.Mutex
	result   *models.RunnerResult
	err      error
	block    bool
	requests []*models.RunnerRequest
}

func (r *fakeRunner) Run(ctx context.Context, req *models.RunnerRequest) (*models.RunnerResult, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()
	if r.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if r.err != nil {
		return nil, r.err
	}
	res := *r.result
	return &res, nil
}

func (r *fakeRunner) calls() []*models.RunnerRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*models.RunnerRequest(nil), r.requests...)
}

type fakePublisher struct {
	mu        sync.Mutex
	published []models.Execution
}

func (p *fakePublisher) PublishExecution(ctx context.Context, fn *models.Function, exec *models.Execution) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, *exec)
	return nil
}

type fakeUsage struct {
	mu      sync.Mutex
	metrics map[string]map[string]int64
}

func (u *fakeUsage) Record(ctx context.Context, projectID string, metrics map[string]int64) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.metrics == nil {
		u.metrics = make(map[string]map[string]int64)
	}
	if u.metrics[projectID] == nil {
		u.metrics[projectID] = make(map[string]int64)
	}
	for k, v := range metrics {
		u.metrics[projectID][k] += v
	}
	return nil
}

func (u *fakeUsage) get(projectID, metric string) int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.metrics[projectID][metric]
}

type fakeBroker struct {
	mu        sync.Mutex
	published map[string][][]byte
	webhooks  [][]byte
	enqueued  []*models.TriggerMessage
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{published: make(map[string][][]byte)}
}

func (b *fakeBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *fakeBroker) PushWebhook(ctx context.Context, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.webhooks = append(b.webhooks, payload)
	return nil
}

func (b *fakeBroker) Enqueue(ctx context.Context, msg *models.TriggerMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enqueued = append(b.enqueued, msg)
	return nil
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
