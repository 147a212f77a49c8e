package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"softgate-functions/models"
)

const functionsPageSize = 30

// FunctionOptions tunes event fan-out.
type FunctionOptions struct {
	// Limiter bounds how fast a single event may start executions. Nil
	// means unbounded.
	Limiter *rate.Limiter
	// SkipSelfEvents stops a function from reacting to events about its own
	// executions.
	SkipSelfEvents bool
}

// FunctionService turns trigger messages into executions.
type FunctionService struct {
	functions FunctionStore
	executor  *ExecutionService
	opts      FunctionOptions
	log       zerolog.Logger
}

func NewFunctionService(functions FunctionStore, executor *ExecutionService, opts FunctionOptions, log zerolog.Logger) *FunctionService {
	return &FunctionService{
		functions: functions,
		executor:  executor,
		opts:      opts,
		log:       log,
	}
}

// HandlePayload decodes a raw queue message and handles it.
func (s *FunctionService) HandlePayload(ctx context.Context, raw []byte) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("%w: empty message", ErrBadPayload)
	}
	var msg models.TriggerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return s.HandleTrigger(ctx, &msg)
}

// HandleTrigger runs the executions a trigger asks for. Only infrastructure
// problems are returned; a function that fails is a recorded failed execution.
func (s *FunctionService) HandleTrigger(ctx context.Context, msg *models.TriggerMessage) error {
	if msg == nil || msg.Type == "" || msg.ProjectID == "" {
		return fmt.Errorf("%w: type and project are required", ErrBadPayload)
	}
	if msg.ProjectID == models.ConsoleProject {
		return nil
	}

	switch msg.Type {
	case models.TriggerEvent:
		return s.triggerEvents(ctx, msg)
	case models.TriggerHTTP, models.TriggerSchedule:
		if msg.FunctionID == "" {
			return fmt.Errorf("%w: %s trigger without function", ErrBadPayload, msg.Type)
		}
		fn, err := s.functions.GetFunction(ctx, msg.ProjectID, msg.FunctionID)
		if err != nil {
			return fmt.Errorf("get function %s: %w", msg.FunctionID, err)
		}
		if fn == nil {
			return fmt.Errorf("%w: function %s not found", ErrPreconditionFailed, msg.FunctionID)
		}
		_, err = s.execute(ctx, msg, fn, "")
		return err
	default:
		return fmt.Errorf("%w: unknown trigger type %q", ErrBadPayload, msg.Type)
	}
}

// triggerEvents starts an execution for every function of the project
// subscribed to one of the fired events. One function failing does not stop
// the others.
func (s *FunctionService) triggerEvents(ctx context.Context, msg *models.TriggerMessage) error {
	if len(msg.Events) == 0 {
		return fmt.Errorf("%w: event trigger without events", ErrBadPayload)
	}

	triggered, failed := 0, 0
	for offset := 0; ; offset += functionsPageSize {
		page, err := s.functions.ListFunctions(ctx, msg.ProjectID, functionsPageSize, offset)
		if err != nil {
			return fmt.Errorf("list functions: %w", err)
		}
		for i := range page {
			fn := &page[i]
			event, ok := matchEvent(fn, msg.Events, s.opts.SkipSelfEvents)
			if !ok {
				continue
			}
			if err := s.wait(ctx); err != nil {
				// Shutting down or the deadline cannot fit another token.
				// Executions already started stand and the message is not
				// dead-lettered.
				s.log.Warn().Err(err).
					Str("project_id", msg.ProjectID).
					Int("triggered", triggered).
					Int("failed", failed).
					Msg("event fan-out stopped")
				return nil
			}
			if _, err := s.execute(ctx, msg, fn, event); err != nil {
				failed++
				s.log.Error().Err(err).
					Str("project_id", msg.ProjectID).
					Str("function_id", fn.ID).
					Str("event", event).
					Msg("event execution failed")
				continue
			}
			triggered++
		}
		if len(page) < functionsPageSize {
			break
		}
	}

	s.log.Debug().
		Str("project_id", msg.ProjectID).
		Strs("events", msg.Events).
		Int("triggered", triggered).
		Int("failed", failed).
		Msg("event fan-out finished")
	return nil
}

func (s *FunctionService) wait(ctx context.Context) error {
	if s.opts.Limiter == nil {
		return ctx.Err()
	}
	return s.opts.Limiter.Wait(ctx)
}

// matchEvent returns the first fired event fn subscribes to. With skipSelf,
// events about fn's own executions never match.
func matchEvent(fn *models.Function, fired []string, skipSelf bool) (string, bool) {
	if len(fn.Events) == 0 {
		return "", false
	}
	if skipSelf {
		self := "functions." + fn.ID + "."
		for _, e := range fired {
			if strings.HasPrefix(e, self) {
				return "", false
			}
		}
	}
	subscribed := make(map[string]struct{}, len(fn.Events))
	for _, e := range fn.Events {
		subscribed[e] = struct{}{}
	}
	for _, e := range fired {
		if _, ok := subscribed[e]; ok {
			return e, true
		}
	}
	return "", false
}

func (s *FunctionService) execute(ctx context.Context, msg *models.TriggerMessage, fn *models.Function, event string) (*models.Execution, error) {
	req := ExecuteRequest{
		Trigger:   msg.Type,
		ProjectID: msg.ProjectID,
		Function:  fn,
	}
	switch msg.Type {
	case models.TriggerHTTP:
		req.ExecutionID = msg.ExecutionID
		req.UserID = msg.UserID
		req.JWT = msg.JWT
		req.Data = msg.Data
	case models.TriggerEvent:
		req.UserID = msg.UserID
		req.Event = event
		req.EventData = string(msg.Payload)
	}

	if fn.Deployment != "" {
		dep, err := s.functions.GetDeployment(ctx, msg.ProjectID, fn.Deployment)
		if err != nil {
			return nil, fmt.Errorf("get deployment %s: %w", fn.Deployment, err)
		}
		req.Deployment = dep
	}
	if req.Deployment != nil && req.Deployment.BuildID != "" {
		build, err := s.functions.GetBuild(ctx, msg.ProjectID, req.Deployment.BuildID)
		if err != nil {
			return nil, fmt.Errorf("get build %s: %w", req.Deployment.BuildID, err)
		}
		req.Build = build
	}

	return s.executor.Execute(ctx, req)
}
