package services

import (
	"context"
	"errors"
	"math"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"softgate-functions/config"
	"softgate-functions/models"
)

type execFixture struct {
	store     *fakeExecutionStore
	functions *fakeFunctionStore
	runner    *fakeRunner
	events    *fakePublisher
	usage     *fakeUsage
	svc       *ExecutionService
}

func newExecFixture() *execFixture {
	f := &execFixture{
		store:     newFakeExecutionStore(),
		functions: newFakeFunctionStore(),
		runner: &fakeRunner{result: &models.RunnerResult{
			Status:     models.StatusCompleted,
			StatusCode: 200,
			Response:   `{"ok":true}`,
			Stdout:     "hello",
			Duration:   0.25,
		}},
		events: &fakePublisher{},
		usage:  &fakeUsage{},
	}
	f.functions.addReady(&models.Function{
		ID:         "fn1",
		InternalID: "42",
		ProjectID:  "proj",
		Name:       "resize",
		Runtime:    "node-18.0",
		Timeout:    15,
		Vars:       map[string]string{"API_KEY": "secret", envPrefix + "ID": "spoofed"},
	})
	f.svc = NewExecutionService(f.store, f.runner, config.DefaultRuntimes(), f.events, f.usage, nil, zerolog.Nop())
	return f
}

func (f *execFixture) request(trigger string) ExecuteRequest {
	fn := f.functions.functions["fn1"]
	dep := f.functions.deployments[fn.Deployment]
	return ExecuteRequest{
		Trigger:    trigger,
		ProjectID:  "proj",
		Function:   fn,
		Deployment: dep,
		Build:      f.functions.builds[dep.BuildID],
	}
}

func TestExecuteHTTPCompletes(t *testing.T) {
	f := newExecFixture()
	req := f.request(models.TriggerHTTP)
	req.ExecutionID = "exec-123"
	req.UserID = "user-1"
	req.JWT = "jwt-token"
	req.Data = `{"size":10}`

	exec, err := f.svc.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if exec.ID != "exec-123" || exec.Status != models.StatusCompleted {
		t.Fatalf("execution = %s/%s, want exec-123/completed", exec.ID, exec.Status)
	}
	if exec.StatusCode != 200 || exec.Response != `{"ok":true}` || exec.Stdout != "hello" {
		t.Fatalf("execution fields = %+v", exec)
	}
	want := []string{models.StatusWaiting, models.StatusProcessing, models.StatusCompleted}
	if got := f.store.statuses("exec-123"); !reflect.DeepEqual(got, want) {
		t.Fatalf("status history = %v, want %v", got, want)
	}
	if !reflect.DeepEqual(exec.Permissions, []string{`read("user:user-1")`}) {
		t.Fatalf("Permissions = %v", exec.Permissions)
	}

	calls := f.runner.calls()
	if len(calls) != 1 {
		t.Fatalf("runner calls = %d, want 1", len(calls))
	}
	call := calls[0]
	if call.Payload != req.Data || call.Timeout != 15 || call.Source != "/storage/builds/fn1.tar.gz" || call.Entrypoint != "index.js" {
		t.Fatalf("runner request = %+v", call)
	}
	if call.Image != config.DefaultRuntimes()["node-18.0"].Image {
		t.Fatalf("Image = %q", call.Image)
	}
	if call.Variables["API_KEY"] != "secret" {
		t.Fatal("function variables should be passed through")
	}
	if call.Variables[envPrefix+"ID"] != "fn1" {
		t.Fatalf("injected id = %q, function variables must not shadow it", call.Variables[envPrefix+"ID"])
	}
	if call.Variables[envPrefix+"JWT"] != "jwt-token" || call.Variables[envPrefix+"USER_ID"] != "user-1" || call.Variables[envPrefix+"TRIGGER"] != "http" {
		t.Fatalf("injected variables = %v", call.Variables)
	}
}

func TestExecuteRunnerErrorRecordsFailure(t *testing.T) {
	f := newExecFixture()
	f.runner.err = errors.New("dial tcp 10.0.0.5:80: connect: connection refused")
	req := f.request(models.TriggerHTTP)
	req.ExecutionID = "exec-456"

	exec, err := f.svc.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute should not return runner errors, got %v", err)
	}
	if exec.Status != models.StatusFailed {
		t.Fatalf("Status = %s, want failed", exec.Status)
	}
	if !strings.Contains(exec.Stderr, "connection refused") {
		t.Fatalf("Stderr = %q", exec.Stderr)
	}
	if exec.Duration < 0 || exec.Duration > 1 {
		t.Fatalf("Duration = %v, want measured elapsed time", exec.Duration)
	}
	stored, _ := f.store.GetExecution(context.Background(), "proj", "exec-456")
	if stored.Status != models.StatusFailed {
		t.Fatalf("stored status = %s, record must not stay processing", stored.Status)
	}
}

func TestExecuteRunnerErrorStatusCode(t *testing.T) {
	f := newExecFixture()
	f.runner.err = &RunnerError{StatusCode: 503, Message: "image pull failed"}

	exec, err := f.svc.Execute(context.Background(), f.request(models.TriggerSchedule))
	if err != nil {
		t.Fatal(err)
	}
	if exec.StatusCode != 503 {
		t.Fatalf("StatusCode = %d, want 503", exec.StatusCode)
	}
}

func TestExecuteRunnerReportedFailure(t *testing.T) {
	f := newExecFixture()
	f.runner.result = &models.RunnerResult{Status: models.StatusFailed, StatusCode: 500, Stderr: "TypeError", Duration: 0.1}

	exec, err := f.svc.Execute(context.Background(), f.request(models.TriggerSchedule))
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != models.StatusFailed || exec.Stderr != "TypeError" || exec.StatusCode != 500 {
		t.Fatalf("execution = %+v", exec)
	}
}

func TestExecuteIdempotentHTTP(t *testing.T) {
	f := newExecFixture()
	req := f.request(models.TriggerHTTP)
	req.ExecutionID = "exec-789"

	first, err := f.svc.Execute(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.svc.Execute(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID || second.Status != models.StatusCompleted {
		t.Fatalf("second call = %s/%s", second.ID, second.Status)
	}
	if f.store.count() != 1 {
		t.Fatalf("executions = %d, want 1", f.store.count())
	}
	if n := len(f.runner.calls()); n != 1 {
		t.Fatalf("runner calls = %d, want 1", n)
	}
}

func (f *execFixture) seedProcessing(id string, claimedAt time.Time) {
	f.store.executions[id] = models.Execution{
		ID:         id,
		ProjectID:  "proj",
		FunctionID: "fn1",
		Trigger:    models.TriggerHTTP,
		Status:     models.StatusProcessing,
		CreatedAt:  claimedAt,
		UpdatedAt:  claimedAt,
	}
}

func TestExecuteReclaimsAbandonedClaim(t *testing.T) {
	f := newExecFixture()
	f.seedProcessing("exec-9", time.Now().Add(-time.Hour))
	req := f.request(models.TriggerHTTP)
	req.ExecutionID = "exec-9"

	exec, err := f.svc.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if exec.Status != models.StatusFailed || !strings.Contains(exec.Stderr, "worker lost") {
		t.Fatalf("redelivered execution = %s stderr=%q, want failed by a lost worker", exec.Status, exec.Stderr)
	}
	stored, _ := f.store.GetExecution(context.Background(), "proj", "exec-9")
	if stored.Status != models.StatusFailed {
		t.Fatalf("stored status = %s, want failed", stored.Status)
	}
	if n := len(f.runner.calls()); n != 0 {
		t.Fatalf("runner calls = %d, a reclaimed execution must not run again", n)
	}
	if len(f.events.published) != 1 || f.usage.get("proj", MetricExecutions) != 1 {
		t.Fatal("reclaimed execution should be published and counted once")
	}

	again, err := f.svc.Execute(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if again.Status != models.StatusFailed || len(f.events.published) != 1 {
		t.Fatalf("second redelivery = %s, published %d", again.Status, len(f.events.published))
	}
}

func TestExecuteLeavesLiveClaimAlone(t *testing.T) {
	f := newExecFixture()
	f.seedProcessing("exec-10", time.Now().Add(-5*time.Second))
	req := f.request(models.TriggerHTTP)
	req.ExecutionID = "exec-10"

	exec, err := f.svc.Execute(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != models.StatusProcessing {
		t.Fatalf("Status = %s, a claim inside the timeout belongs to its worker", exec.Status)
	}
	if got := f.store.statuses("exec-10"); len(got) != 0 {
		t.Fatalf("status history = %v, want no writes", got)
	}
}

func TestExecuteConcurrentSameID(t *testing.T) {
	f := newExecFixture()
	req := f.request(models.TriggerHTTP)
	req.ExecutionID = "exec-race"

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Execute(context.Background(), req); err != nil {
				t.Errorf("Execute error: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := len(f.runner.calls()); n != 1 {
		t.Fatalf("runner calls = %d, want exactly 1", n)
	}
	want := []string{models.StatusWaiting, models.StatusProcessing, models.StatusCompleted}
	if got := f.store.statuses("exec-race"); !reflect.DeepEqual(got, want) {
		t.Fatalf("status history = %v, want %v", got, want)
	}
}

func TestExecuteDuplicateCreateReconciles(t *testing.T) {
	f := newExecFixture()
	existing := &models.Execution{ID: "exec-dup", ProjectID: "proj", FunctionID: "fn1", Status: models.StatusCompleted}
	if err := f.store.CreateExecution(context.Background(), existing); err != nil {
		t.Fatal(err)
	}

	// Simulate losing the create race: the lookup misses, the insert collides.
	s := &missingOnceStore{fakeExecutionStore: f.store}
	svc := NewExecutionService(s, f.runner, config.DefaultRuntimes(), nil, nil, nil, zerolog.Nop())
	req := f.request(models.TriggerHTTP)
	req.ExecutionID = "exec-dup"

	exec, err := svc.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("duplicate create should reconcile, got %v", err)
	}
	if exec.Status != models.StatusCompleted || len(f.runner.calls()) != 0 {
		t.Fatalf("execution = %+v, runner calls = %d", exec, len(f.runner.calls()))
	}
}

type missingOnceStore struct {
	*fakeExecutionStore
	missed bool
}

func (s *missingOnceStore) GetExecution(ctx context.Context, projectID, id string) (*models.Execution, error) {
	if !s.missed {
		s.missed = true
		return nil, nil
	}
	return s.fakeExecutionStore.GetExecution(ctx, projectID, id)
}

func TestExecutePreconditions(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ExecuteRequest)
		want   error
	}{
		{name: "missing deployment", mutate: func(r *ExecuteRequest) { r.Deployment = nil }, want: ErrPreconditionFailed},
		{name: "foreign deployment", mutate: func(r *ExecuteRequest) {
			dep := *r.Deployment
			dep.ResourceID = "other"
			r.Deployment = &dep
		}, want: ErrPreconditionFailed},
		{name: "missing build", mutate: func(r *ExecuteRequest) { r.Build = nil }, want: ErrPreconditionFailed},
		{name: "build not ready", mutate: func(r *ExecuteRequest) {
			b := *r.Build
			b.Status = "processing"
			r.Build = &b
		}, want: ErrPreconditionFailed},
		{name: "unsupported runtime", mutate: func(r *ExecuteRequest) {
			fn := *r.Function
			fn.Runtime = "cobol-1.0"
			r.Function = &fn
		}, want: ErrUnsupportedRuntime},
		{name: "unknown trigger", mutate: func(r *ExecuteRequest) { r.Trigger = "webhook" }, want: ErrBadPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newExecFixture()
			req := f.request(models.TriggerHTTP)
			req.ExecutionID = "exec-pre"
			tt.mutate(&req)

			_, err := f.svc.Execute(context.Background(), req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
			if f.store.count() != 0 {
				t.Fatal("no execution may be created when preconditions fail")
			}
		})
	}
}

func TestExecuteTimeoutBoundsDuration(t *testing.T) {
	f := newExecFixture()
	f.functions.functions["fn1"].Timeout = 1
	f.runner.block = true

	exec, err := f.svc.Execute(context.Background(), f.request(models.TriggerSchedule))
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != models.StatusFailed {
		t.Fatalf("Status = %s, want failed", exec.Status)
	}
	if !strings.Contains(exec.Stderr, ErrRunnerTimeout.Error()) {
		t.Fatalf("Stderr = %q, want timeout message", exec.Stderr)
	}
	if math.Abs(exec.Duration-1.0) > 0.5 {
		t.Fatalf("Duration = %v, want about 1s", exec.Duration)
	}
}

func TestExecuteFanout(t *testing.T) {
	f := newExecFixture()
	f.runner.result.Duration = 1.2349

	exec, err := f.svc.Execute(context.Background(), f.request(models.TriggerSchedule))
	if err != nil {
		t.Fatal(err)
	}
	if len(f.events.published) != 1 || f.events.published[0].Status != models.StatusCompleted {
		t.Fatalf("published = %+v, want one terminal execution", f.events.published)
	}
	if exec.Trigger != models.TriggerSchedule || len(exec.Permissions) != 0 {
		t.Fatalf("scheduled execution = %+v", exec)
	}

	checks := map[string]int64{
		MetricExecutions:                1,
		MetricExecutionsCompute:         1234,
		"42." + MetricExecutions:        1,
		"42." + MetricExecutionsCompute: 1234,
	}
	for metric, want := range checks {
		if got := f.usage.get("proj", metric); got != want {
			t.Fatalf("usage %s = %d, want %d", metric, got, want)
		}
	}
}

func TestExecuteTruncatesOutput(t *testing.T) {
	f := newExecFixture()
	archive := &memoryStorage{objects: map[string]string{}}
	f.svc.archive = archive
	long := strings.Repeat("é", MaxOutputLength) + "END"
	f.runner.result = &models.RunnerResult{
		Status:     models.StatusCompleted,
		StatusCode: 200,
		Response:   "START" + long,
		Stderr:     long,
		Duration:   0.1,
	}

	exec, err := f.svc.Execute(context.Background(), f.request(models.TriggerSchedule))
	if err != nil {
		t.Fatal(err)
	}
	stored, _ := f.store.GetExecution(context.Background(), "proj", exec.ID)
	for name, v := range map[string]string{"response": stored.Response, "stderr": stored.Stderr} {
		if n := len([]rune(v)); n != MaxOutputLength {
			t.Fatalf("%s length = %d runes, want %d", name, n, MaxOutputLength)
		}
	}
	if !strings.HasPrefix(stored.Response, "START") {
		t.Fatal("response should keep its beginning")
	}
	if !strings.HasSuffix(stored.Stderr, "END") {
		t.Fatal("stderr should keep its most recent output")
	}
	full, ok := archive.objects[LogKey("fn1", exec.ID)]
	if !ok || !strings.Contains(full, long) {
		t.Fatal("full output should be archived")
	}
}

type memoryStorage struct {
	mu      sync.Mutex
	objects map[string]string
}

func (m *memoryStorage) Put(ctx context.Context, key, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = body
	return nil
}

func (m *memoryStorage) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.objects[key]
	if !ok {
		return "", errors.New("not found")
	}
	return body, nil
}

func TestExecuteTerminalPersistSurvivesCancel(t *testing.T) {
	f := newExecFixture()
	f.runner.block = true
	f.functions.functions["fn1"].Timeout = 30

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	exec, err := f.svc.Execute(ctx, f.request(models.TriggerSchedule))
	if err != nil {
		t.Fatal(err)
	}
	stored, _ := f.store.GetExecution(context.Background(), "proj", exec.ID)
	if stored.Status != models.StatusFailed {
		t.Fatalf("stored status = %s, want failed after cancellation", stored.Status)
	}
}
