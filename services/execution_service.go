package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"softgate-functions/models"
)

const (
	// MaxOutputLength caps response, stdout and stderr in stored records.
	MaxOutputLength = 4000

	defaultFunctionTimeout = 15 * time.Second
	persistTimeout         = 10 * time.Second

	// A processing claim older than the function timeout plus this grace
	// belongs to a worker that is gone.
	claimGrace = time.Minute

	envPrefix = "APPWRITE_FUNCTION_"

	MetricExecutions        = "executions"
	MetricExecutionsCompute = "executions.compute"
)

// Runner executes function code in a sandbox. Errors are infrastructure
// failures; a function that ran and failed is reported through the result.
type Runner interface {
	Run(ctx context.Context, req *models.RunnerRequest) (*models.RunnerResult, error)
}

// EventPublisher announces settled executions.
type EventPublisher interface {
	PublishExecution(ctx context.Context, fn *models.Function, exec *models.Execution) error
}

// UsageRecorder adds to named usage counters of a project.
type UsageRecorder interface {
	Record(ctx context.Context, projectID string, metrics map[string]int64) error
}

// ExecuteRequest is everything needed to run one execution.
type ExecuteRequest struct {
	Trigger     string
	ProjectID   string
	Function    *models.Function
	Deployment  *models.Deployment
	Build       *models.Build
	ExecutionID string
	UserID      string
	JWT         string
	Data        string
	Event       string
	EventData   string
}

// ExecutionService moves executions through waiting, processing and a
// terminal state around a runner call.
type ExecutionService struct {
	executions ExecutionStore
	runner     Runner
	runtimes   map[string]models.Runtime
	events     EventPublisher
	usage      UsageRecorder
	archive    StorageService
	log        zerolog.Logger
}

// NewExecutionService wires the state machine. events, usage and archive may be nil.
func NewExecutionService(executions ExecutionStore, runner Runner, runtimes map[string]models.Runtime, events EventPublisher, usage UsageRecorder, archive StorageService, log zerolog.Logger) *ExecutionService {
	return &ExecutionService{
		executions: executions,
		runner:     runner,
		runtimes:   runtimes,
		events:     events,
		usage:      usage,
		archive:    archive,
		log:        log,
	}
}

// Execute runs the function for req and returns the settled record. Runner
// failures end up in a failed record, not in the returned error. A finished
// execution, or one another worker is still processing, is returned as is;
// a processing claim that outlived the function timeout is failed.
func (s *ExecutionService) Execute(ctx context.Context, req ExecuteRequest) (*models.Execution, error) {
	runtime, err := s.checkPreconditions(req)
	if err != nil {
		return nil, err
	}

	exec, err := s.getOrCreate(ctx, req)
	if err != nil {
		return nil, err
	}
	if exec.Status == models.StatusProcessing && s.claimExpired(req.Function, exec) {
		return s.reclaim(ctx, req.Function, exec)
	}
	if exec.Status != models.StatusWaiting {
		s.log.Debug().Str("execution_id", exec.ID).Str("status", exec.Status).Msg("execution already claimed")
		return exec, nil
	}

	exec.Status = models.StatusProcessing
	claimed, err := s.save(ctx, exec, models.StatusWaiting)
	if err != nil {
		return nil, fmt.Errorf("claim execution %s: %w", exec.ID, err)
	}
	if !claimed {
		return s.executions.GetExecution(ctx, req.ProjectID, exec.ID)
	}

	s.run(ctx, req, runtime, exec)

	// The terminal write has to land even if the trigger was cancelled.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	s.archiveOutput(persistCtx, exec)
	if _, err := s.save(persistCtx, exec, models.StatusProcessing); err != nil {
		return exec, fmt.Errorf("finish execution %s: %w", exec.ID, err)
	}

	s.log.Info().
		Str("execution_id", exec.ID).
		Str("function_id", exec.FunctionID).
		Str("trigger", exec.Trigger).
		Str("status", exec.Status).
		Int("status_code", exec.StatusCode).
		Float64("duration", exec.Duration).
		Msg("execution finished")

	s.fanout(persistCtx, req.Function, exec)
	return exec, nil
}

func (s *ExecutionService) checkPreconditions(req ExecuteRequest) (models.Runtime, error) {
	switch req.Trigger {
	case models.TriggerHTTP, models.TriggerSchedule, models.TriggerEvent:
	default:
		return models.Runtime{}, fmt.Errorf("%w: unknown trigger %q", ErrBadPayload, req.Trigger)
	}

	fn := req.Function
	if fn == nil {
		return models.Runtime{}, fmt.Errorf("%w: function not found", ErrPreconditionFailed)
	}
	if req.Deployment == nil || req.Deployment.ResourceID != fn.ID {
		return models.Runtime{}, fmt.Errorf("%w: deployment %q not found for function %s", ErrPreconditionFailed, fn.Deployment, fn.ID)
	}
	if req.Build == nil {
		return models.Runtime{}, fmt.Errorf("%w: build %q not found", ErrPreconditionFailed, req.Deployment.BuildID)
	}
	if req.Build.Status != models.BuildStatusReady {
		return models.Runtime{}, fmt.Errorf("%w: build %s is %s", ErrPreconditionFailed, req.Build.ID, req.Build.Status)
	}

	runtime, ok := s.runtimes[fn.Runtime]
	if !ok {
		return models.Runtime{}, fmt.Errorf("%w: %s", ErrUnsupportedRuntime, fn.Runtime)
	}
	return runtime, nil
}

func (s *ExecutionService) getOrCreate(ctx context.Context, req ExecuteRequest) (*models.Execution, error) {
	if req.ExecutionID != "" {
		existing, err := s.load(ctx, req)
		if err != nil || existing != nil {
			return existing, err
		}
	}

	id := req.ExecutionID
	if id == "" {
		id = uuid.NewString()
	}
	permissions := []string{}
	if req.UserID != "" {
		permissions = append(permissions, fmt.Sprintf(`read("user:%s")`, req.UserID))
	}
	now := time.Now().UTC()
	exec := &models.Execution{
		ID:                   id,
		ProjectID:            req.ProjectID,
		FunctionID:           req.Function.ID,
		FunctionInternalID:   req.Function.InternalID,
		DeploymentID:         req.Deployment.ID,
		DeploymentInternalID: req.Deployment.InternalID,
		Trigger:              req.Trigger,
		Event:                req.Event,
		Status:               models.StatusWaiting,
		Permissions:          permissions,
		Search:               strings.Join([]string{id, req.Function.ID}, " "),
		CreatedAt:            now,
	}

	if _, err := s.save(ctx, exec, ""); err != nil {
		if !errors.Is(err, ErrDuplicateExecution) {
			return nil, fmt.Errorf("create execution %s: %w", id, err)
		}
		// Another worker created it first.
		req.ExecutionID = id
		existing, err := s.load(ctx, req)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
		}
		return existing, nil
	}
	return exec, nil
}

func (s *ExecutionService) load(ctx context.Context, req ExecuteRequest) (*models.Execution, error) {
	existing, err := s.executions.GetExecution(ctx, req.ProjectID, req.ExecutionID)
	if err != nil {
		return nil, fmt.Errorf("load execution %s: %w", req.ExecutionID, err)
	}
	if existing != nil && existing.FunctionID != req.Function.ID {
		return nil, fmt.Errorf("%w: execution %s belongs to function %s", ErrPreconditionFailed, existing.ID, existing.FunctionID)
	}
	return existing, nil
}

func functionTimeout(fn *models.Function) time.Duration {
	if fn.Timeout <= 0 {
		return defaultFunctionTimeout
	}
	return time.Duration(fn.Timeout) * time.Second
}

func (s *ExecutionService) claimExpired(fn *models.Function, exec *models.Execution) bool {
	return time.Since(exec.UpdatedAt) > functionTimeout(fn)+persistTimeout+claimGrace
}

// reclaim fails an execution whose claiming worker died before the terminal
// write. The CAS from processing keeps a late write from the original worker
// and a concurrent reclaim from both landing.
func (s *ExecutionService) reclaim(ctx context.Context, fn *models.Function, exec *models.Execution) (*models.Execution, error) {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	claimedAt := exec.UpdatedAt
	exec.Status = models.StatusFailed
	exec.StatusCode = 0
	exec.Stderr = fmt.Sprintf("worker lost while processing; claimed at %s", claimedAt.UTC().Format(time.RFC3339))
	ok, err := s.save(persistCtx, exec, models.StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("reclaim execution %s: %w", exec.ID, err)
	}
	if !ok {
		return s.executions.GetExecution(persistCtx, exec.ProjectID, exec.ID)
	}

	s.log.Warn().
		Str("execution_id", exec.ID).
		Str("function_id", exec.FunctionID).
		Time("claimed_at", claimedAt).
		Msg("abandoned execution marked failed")
	s.fanout(persistCtx, fn, exec)
	return exec, nil
}

func (s *ExecutionService) run(ctx context.Context, req ExecuteRequest, runtime models.Runtime, exec *models.Execution) {
	timeout := functionTimeout(req.Function)

	runReq := &models.RunnerRequest{
		ProjectID:    req.ProjectID,
		DeploymentID: req.Deployment.ID,
		Payload:      req.Data,
		Variables:    s.variables(req, runtime),
		Timeout:      int(timeout / time.Second),
		Image:        runtime.Image,
		Source:       req.Build.OutputPath,
		Entrypoint:   req.Deployment.Entrypoint,
		Command:      runtime.Command,
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := s.runner.Run(runCtx, runReq)
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrRunnerTimeout) {
			err = fmt.Errorf("%w after %s", ErrRunnerTimeout, timeout)
		}
		exec.Status = models.StatusFailed
		exec.StatusCode = 0
		var runnerErr *RunnerError
		if errors.As(err, &runnerErr) {
			exec.StatusCode = runnerErr.StatusCode
		}
		exec.Stderr = err.Error()
		exec.Duration = elapsed.Seconds()
		s.log.Warn().Err(err).Str("execution_id", exec.ID).Msg("runner call failed")
		return
	}

	exec.Status = models.StatusCompleted
	if result.Status == models.StatusFailed {
		exec.Status = models.StatusFailed
	}
	exec.StatusCode = result.StatusCode
	exec.Response = result.Response
	exec.Stdout = result.Stdout
	exec.Stderr = result.Stderr
	exec.Duration = result.Duration
	if exec.Duration <= 0 {
		exec.Duration = elapsed.Seconds()
	}
}

// variables merges the function's variables with the injected ones. Injected
// names win on collision.
func (s *ExecutionService) variables(req ExecuteRequest, runtime models.Runtime) map[string]string {
	fn := req.Function
	injected := map[string]string{
		envPrefix + "ID":              fn.ID,
		envPrefix + "NAME":            fn.Name,
		envPrefix + "DEPLOYMENT":      req.Deployment.ID,
		envPrefix + "TRIGGER":         req.Trigger,
		envPrefix + "PROJECT_ID":      req.ProjectID,
		envPrefix + "RUNTIME_NAME":    runtime.Name,
		envPrefix + "RUNTIME_VERSION": runtime.Version,
		envPrefix + "EVENT":           req.Event,
		envPrefix + "EVENT_DATA":      req.EventData,
		envPrefix + "DATA":            req.Data,
		envPrefix + "USER_ID":         req.UserID,
		envPrefix + "JWT":             req.JWT,
	}

	vars := make(map[string]string, len(fn.Vars)+len(injected))
	for k, v := range fn.Vars {
		vars[k] = v
	}
	for k, v := range injected {
		if _, ok := vars[k]; ok {
			s.log.Debug().Str("function_id", fn.ID).Str("variable", k).Msg("function variable shadowed by injected value")
		}
		vars[k] = v
	}
	return vars
}

// save is the only write path for executions. It caps output fields and
// creates the record when from is empty, otherwise transitions it.
func (s *ExecutionService) save(ctx context.Context, exec *models.Execution, from string) (bool, error) {
	if from != "" && !models.CanTransition(from, exec.Status) {
		return false, fmt.Errorf("illegal transition %s -> %s", from, exec.Status)
	}
	exec.Response = truncateHead(exec.Response)
	exec.Stdout = truncateTail(exec.Stdout)
	exec.Stderr = truncateTail(exec.Stderr)
	if exec.Duration < 0 {
		exec.Duration = 0
	}
	exec.UpdatedAt = time.Now().UTC()

	if from == "" {
		return true, s.executions.CreateExecution(ctx, exec)
	}
	return s.executions.TransitionExecution(ctx, exec, from)
}

// archiveOutput keeps the full logs of executions whose output will be cut.
func (s *ExecutionService) archiveOutput(ctx context.Context, exec *models.Execution) {
	if s.archive == nil {
		return
	}
	if utf8.RuneCountInString(exec.Stdout) <= MaxOutputLength &&
		utf8.RuneCountInString(exec.Stderr) <= MaxOutputLength &&
		utf8.RuneCountInString(exec.Response) <= MaxOutputLength {
		return
	}
	body := "--- response ---\n" + exec.Response +
		"\n--- stdout ---\n" + exec.Stdout +
		"\n--- stderr ---\n" + exec.Stderr + "\n"
	if err := s.archive.Put(ctx, LogKey(exec.FunctionID, exec.ID), body); err != nil {
		s.log.Error().Err(err).Str("execution_id", exec.ID).Msg("failed to archive execution output")
	}
}

func (s *ExecutionService) fanout(ctx context.Context, fn *models.Function, exec *models.Execution) {
	if s.events != nil {
		if err := s.events.PublishExecution(ctx, fn, exec); err != nil {
			s.log.Error().Err(err).Str("execution_id", exec.ID).Msg("failed to publish execution events")
		}
	}
	if s.usage != nil {
		// Truncated, never rounded up.
		computeMs := int64(exec.Duration * 1000)
		prefix := fn.InternalID + "."
		metrics := map[string]int64{
			MetricExecutions:                 1,
			MetricExecutionsCompute:          computeMs,
			prefix + MetricExecutions:        1,
			prefix + MetricExecutionsCompute: computeMs,
		}
		if err := s.usage.Record(ctx, exec.ProjectID, metrics); err != nil {
			s.log.Error().Err(err).Str("execution_id", exec.ID).Msg("failed to record usage")
		}
	}
}

func truncateHead(s string) string {
	if utf8.RuneCountInString(s) <= MaxOutputLength {
		return s
	}
	return string([]rune(s)[:MaxOutputLength])
}

// truncateTail keeps the most recent log output.
func truncateTail(s string) string {
	if utf8.RuneCountInString(s) <= MaxOutputLength {
		return s
	}
	r := []rune(s)
	return string(r[len(r)-MaxOutputLength:])
}
