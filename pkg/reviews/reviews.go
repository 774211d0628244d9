// Package reviews orchestrates human review tasks: creation with an
// SLA deadline derived from risk level, assignment, escalation, and
// breach detection.
package reviews

import (
	"context"
	"fmt"
	"time"

	"github.com/convergehq/converge/pkg/eventlog"
	"github.com/convergehq/converge/pkg/model"
	"github.com/convergehq/converge/pkg/store"
)

// Service manages review task lifecycle.
type Service struct {
	events *eventlog.Log
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides time for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService builds a review service over the event log.
func NewService(events *eventlog.Log, opts ...Option) *Service {
	s := &Service{events: events, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// slaDeadline computes the due time for a risk level. Unknown levels
// get the medium window.
func (s *Service) slaDeadline(level model.RiskLevel, base time.Time) string {
	hours, ok := model.ReviewSLAHours[level]
	if !ok {
		hours = model.ReviewSLAHours[model.RiskMedium]
	}
	return base.Add(time.Duration(hours) * time.Hour).Format(model.ISOFormat)
}

// RequestOpts tune review task creation.
type RequestOpts struct {
	Trigger  string // what forced the review: policy, conflict, security
	Assignee string
	TenantID string
}

// Request creates a review task for an intent. The SLA deadline comes
// from the intent's risk level.
func (s *Service) Request(ctx context.Context, intentID string, opts RequestOpts) (model.ReviewTask, error) {
	intent, err := s.events.Store().GetIntent(ctx, intentID)
	if err != nil {
		return model.ReviewTask{}, fmt.Errorf("request review: %w", err)
	}
	if opts.Trigger == "" {
		opts.Trigger = "policy"
	}
	tenantID := opts.TenantID
	if tenantID == "" {
		tenantID = intent.TenantID
	}

	now := s.now().UTC()
	created := now.Format(model.ISOFormat)
	status := model.ReviewPending
	if opts.Assignee != "" {
		status = model.ReviewAssigned
	}

	task := model.ReviewTask{
		ID:        "rev-" + model.NewID(),
		IntentID:  intentID,
		TenantID:  tenantID,
		Status:    status,
		RiskLevel: intent.RiskLevel,
		Assignee:  opts.Assignee,
		Reason:    opts.Trigger,
		CreatedAt: created,
		UpdatedAt: created,
		DueAt:     s.slaDeadline(intent.RiskLevel, now),
	}
	if err := s.events.Store().PutReviewTask(ctx, task); err != nil {
		return model.ReviewTask{}, err
	}

	_, err = s.events.Append(ctx, model.Event{
		EventType: model.EventReviewRequested,
		IntentID:  intentID,
		TenantID:  tenantID,
		Payload: map[string]any{
			"task_id": task.ID, "trigger": opts.Trigger, "status": task.Status,
			"risk_level": string(task.RiskLevel), "sla_deadline": task.DueAt,
			"assignee": task.Assignee,
		},
	})
	if err != nil {
		return model.ReviewTask{}, err
	}
	if opts.Assignee != "" {
		_, err = s.events.Append(ctx, model.Event{
			EventType: model.EventReviewAssigned,
			IntentID:  intentID,
			TenantID:  tenantID,
			Payload:   map[string]any{"task_id": task.ID, "reviewer": opts.Assignee},
		})
		if err != nil {
			return model.ReviewTask{}, err
		}
	}
	return task, nil
}

// Assign sets or changes the reviewer on a task.
func (s *Service) Assign(ctx context.Context, taskID, reviewer string) (model.ReviewTask, error) {
	task, err := s.events.Store().GetReviewTask(ctx, taskID)
	if err != nil {
		return model.ReviewTask{}, err
	}

	oldReviewer := task.Assignee
	task.Assignee = reviewer
	task.Status = model.ReviewAssigned
	task.UpdatedAt = s.now().UTC().Format(model.ISOFormat)
	if err := s.events.Store().PutReviewTask(ctx, task); err != nil {
		return model.ReviewTask{}, err
	}

	eventType := model.EventReviewAssigned
	if oldReviewer != "" {
		eventType = model.EventReviewReassigned
	}
	_, err = s.events.Append(ctx, model.Event{
		EventType: eventType,
		IntentID:  task.IntentID,
		TenantID:  task.TenantID,
		Payload: map[string]any{
			"task_id": taskID, "reviewer": reviewer, "old_reviewer": oldReviewer,
		},
	})
	return task, err
}

// Complete records the reviewer's decision on a task.
func (s *Service) Complete(ctx context.Context, taskID, resolution, notes string) (model.ReviewTask, error) {
	task, err := s.events.Store().GetReviewTask(ctx, taskID)
	if err != nil {
		return model.ReviewTask{}, err
	}
	if resolution == "" {
		resolution = "approved"
	}

	now := s.now().UTC().Format(model.ISOFormat)
	task.Status = model.ReviewCompleted
	task.CompletedAt = now
	task.UpdatedAt = now
	task.Decision = resolution
	task.DecidedBy = task.Assignee
	task.Notes = notes
	if err := s.events.Store().PutReviewTask(ctx, task); err != nil {
		return model.ReviewTask{}, err
	}

	_, err = s.events.Append(ctx, model.Event{
		EventType: model.EventReviewCompleted,
		IntentID:  task.IntentID,
		TenantID:  task.TenantID,
		Payload: map[string]any{
			"task_id": taskID, "reviewer": task.Assignee,
			"resolution": resolution, "notes": notes,
		},
	})
	return task, err
}

// Cancel aborts a review task.
func (s *Service) Cancel(ctx context.Context, taskID, reason string) (model.ReviewTask, error) {
	task, err := s.events.Store().GetReviewTask(ctx, taskID)
	if err != nil {
		return model.ReviewTask{}, err
	}

	task.Status = model.ReviewCancelled
	task.Notes = reason
	task.UpdatedAt = s.now().UTC().Format(model.ISOFormat)
	if err := s.events.Store().PutReviewTask(ctx, task); err != nil {
		return model.ReviewTask{}, err
	}

	_, err = s.events.Append(ctx, model.Event{
		EventType: model.EventReviewCancelled,
		IntentID:  task.IntentID,
		TenantID:  task.TenantID,
		Payload:   map[string]any{"task_id": taskID, "reason": reason},
	})
	return task, err
}

// Escalate marks a task escalated, typically after an SLA breach.
func (s *Service) Escalate(ctx context.Context, taskID, reason string) (model.ReviewTask, error) {
	task, err := s.events.Store().GetReviewTask(ctx, taskID)
	if err != nil {
		return model.ReviewTask{}, err
	}
	if reason == "" {
		reason = "sla_breach"
	}

	task.Status = model.ReviewEscalated
	task.UpdatedAt = s.now().UTC().Format(model.ISOFormat)
	if err := s.events.Store().PutReviewTask(ctx, task); err != nil {
		return model.ReviewTask{}, err
	}

	_, err = s.events.Append(ctx, model.Event{
		EventType: model.EventReviewEscalated,
		IntentID:  task.IntentID,
		TenantID:  task.TenantID,
		Payload: map[string]any{
			"task_id": taskID, "reviewer": task.Assignee, "reason": reason,
		},
	})
	return task, err
}

// CheckSLABreaches finds open tasks past their deadline and records a
// breach event for each. ISO-8601 UTC timestamps compare lexically.
func (s *Service) CheckSLABreaches(ctx context.Context, tenantID string) ([]map[string]any, error) {
	now := s.now().UTC().Format(model.ISOFormat)
	var breaches []map[string]any

	for _, status := range []string{model.ReviewPending, model.ReviewAssigned, model.ReviewInReview} {
		tasks, err := s.events.Store().ListReviewTasks(ctx, store.ReviewFilter{
			Status: status, TenantID: tenantID,
		})
		if err != nil {
			return nil, err
		}
		for _, task := range tasks {
			if task.DueAt == "" || task.DueAt >= now {
				continue
			}
			breach := map[string]any{
				"task_id":       task.ID,
				"intent_id":     task.IntentID,
				"reviewer":      task.Assignee,
				"sla_deadline":  task.DueAt,
				"risk_level":    string(task.RiskLevel),
				"status":        task.Status,
				"overdue_since": task.DueAt,
			}
			breaches = append(breaches, breach)

			_, err := s.events.Append(ctx, model.Event{
				EventType: model.EventReviewSLABreached,
				IntentID:  task.IntentID,
				TenantID:  task.TenantID,
				Payload:   breach,
			})
			if err != nil {
				return breaches, err
			}
		}
	}
	return breaches, nil
}

// Summary aggregates review task stats.
func (s *Service) Summary(ctx context.Context, tenantID string) (map[string]any, error) {
	tasks, err := s.events.Store().ListReviewTasks(ctx, store.ReviewFilter{
		TenantID: tenantID, Limit: model.QueryLimitLarge,
	})
	if err != nil {
		return nil, err
	}

	now := s.now().UTC().Format(model.ISOFormat)
	byStatus := map[string]int{}
	byReviewer := map[string]int{}
	breached := 0
	for _, task := range tasks {
		byStatus[task.Status]++
		open := task.Status == model.ReviewPending || task.Status == model.ReviewAssigned ||
			task.Status == model.ReviewInReview
		if task.Assignee != "" && (task.Status == model.ReviewAssigned || task.Status == model.ReviewInReview) {
			byReviewer[task.Assignee]++
		}
		if open && task.DueAt != "" && task.DueAt < now {
			breached++
		}
	}
	return map[string]any{
		"total":        len(tasks),
		"by_status":    byStatus,
		"by_reviewer":  byReviewer,
		"sla_breached": breached,
		"timestamp":    now,
	}, nil
}
