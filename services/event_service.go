package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"softgate-functions/models"
)

const (
	executionUpdateEvent = "functions.[functionId].executions.[executionId].update"

	// RealtimeChannel is the pub/sub channel realtime gateways subscribe to.
	RealtimeChannel = "realtime"
)

// EventBroker is the transport behind EventService.
type EventBroker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	PushWebhook(ctx context.Context, payload []byte) error
	Enqueue(ctx context.Context, msg *models.TriggerMessage) error
}

type webhookMessage struct {
	Project string            `json:"project"`
	Events  []string          `json:"events"`
	Payload *models.Execution `json:"payload"`
}

type realtimeMessage struct {
	Project   string            `json:"project"`
	Events    []string          `json:"events"`
	Channels  []string          `json:"channels"`
	Roles     []string          `json:"roles"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   *models.Execution `json:"payload"`
}

// EventService fans a settled execution out to webhooks, realtime
// subscribers and functions listening for execution events.
type EventService struct {
	broker EventBroker
	log    zerolog.Logger
}

func NewEventService(broker EventBroker, log zerolog.Logger) *EventService {
	return &EventService{broker: broker, log: log}
}

// PublishExecution sends every delivery and returns the joined failures.
func (s *EventService) PublishExecution(ctx context.Context, fn *models.Function, exec *models.Execution) error {
	events, err := GenerateEvents(executionUpdateEvent, map[string]string{
		"functionId":  fn.ID,
		"executionId": exec.ID,
	})
	if err != nil {
		return err
	}

	var errs []error

	webhook, err := json.Marshal(webhookMessage{Project: exec.ProjectID, Events: events, Payload: exec})
	if err != nil {
		return err
	}
	if err := s.broker.PushWebhook(ctx, webhook); err != nil {
		errs = append(errs, fmt.Errorf("webhook: %w", err))
	}

	channels := []string{"console", "executions", "executions." + exec.ID, "functions." + fn.ID}
	targets := []realtimeMessage{
		{Project: models.ConsoleProject, Roles: []string{"project:" + exec.ProjectID}},
		{Project: exec.ProjectID, Roles: rolesFromPermissions(exec.Permissions)},
	}
	for _, msg := range targets {
		msg.Events = events
		msg.Channels = channels
		msg.Timestamp = time.Now().UTC()
		msg.Payload = exec
		body, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if err := s.broker.Publish(ctx, RealtimeChannel, body); err != nil {
			errs = append(errs, fmt.Errorf("realtime %s: %w", msg.Project, err))
		}
	}

	payload, err := json.Marshal(exec)
	if err != nil {
		return err
	}
	if err := s.broker.Enqueue(ctx, &models.TriggerMessage{
		Type:      models.TriggerEvent,
		ProjectID: exec.ProjectID,
		Events:    events,
		Payload:   payload,
	}); err != nil {
		errs = append(errs, fmt.Errorf("functions: %w", err))
	}

	return errors.Join(errs...)
}

// GenerateEvents expands an event pattern like
// "functions.[functionId].executions.[executionId].update" into every name a
// subscriber may have registered: each parameter as its value or "*", with
// and without the trailing action. The fully specific name comes first.
func GenerateEvents(pattern string, params map[string]string) ([]string, error) {
	parts := strings.Split(pattern, ".")
	action := ""
	if last := parts[len(parts)-1]; len(parts) > 2 && !isEventParam(last) {
		action = last
		parts = parts[:len(parts)-1]
	}

	variants := [][]string{nil}
	for _, part := range parts {
		if !isEventParam(part) {
			for i := range variants {
				variants[i] = append(variants[i], part)
			}
			continue
		}
		key := part[1 : len(part)-1]
		value := params[key]
		if value == "" {
			return nil, fmt.Errorf("event %s: missing parameter %s", pattern, key)
		}
		next := make([][]string, 0, len(variants)*2)
		for _, v := range variants {
			next = append(next, withPart(v, value), withPart(v, "*"))
		}
		variants = next
	}

	events := make([]string, 0, len(variants)*2)
	if action != "" {
		for _, v := range variants {
			events = append(events, strings.Join(v, ".")+"."+action)
		}
	}
	for _, v := range variants {
		events = append(events, strings.Join(v, "."))
	}
	return events, nil
}

func isEventParam(part string) bool {
	return len(part) > 2 && strings.HasPrefix(part, "[") && strings.HasSuffix(part, "]")
}

func withPart(parts []string, part string) []string {
	out := make([]string, len(parts), len(parts)+1)
	copy(out, parts)
	return append(out, part)
}

// rolesFromPermissions turns read("user:abc") into user:abc.
func rolesFromPermissions(permissions []string) []string {
	roles := []string{}
	for _, p := range permissions {
		if !strings.HasPrefix(p, `read("`) || !strings.HasSuffix(p, `")`) {
			continue
		}
		roles = append(roles, strings.TrimSuffix(strings.TrimPrefix(p, `read("`), `")`))
	}
	return roles
}
