// Package catalog declares the aggregate types projected by the read-model
// runtime: projects, their tasks and milestones, and task schedules.
package catalog

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/louisbranch/readmodel/internal/services/eventlog/domain/event"
)

// Aggregate types.
const (
	TypeProject      = "PROJECT"
	TypeTask         = "TASK"
	TypeTaskSchedule = "TASKSCHEDULE"
	TypeMilestone    = "MILESTONE"
)

// Event names shared across aggregate types.
const (
	EventCreated = "CREATED"
	EventUpdated = "UPDATED"
	EventDeleted = "DELETED"
)

// Task-specific and schedule-specific event names.
const (
	EventTaskAssigned        = "ASSIGNED"
	EventTaskStatusChanged   = "STATUS_CHANGED"
	EventScheduleRescheduled = "RESCHEDULED"
)

// ProjectPayload is the snapshot carried by every PROJECT event.
type ProjectPayload struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`
}

// TaskPayload is the snapshot carried by every TASK event.
type TaskPayload struct {
	ProjectID uuid.UUID `json:"projectId"`
	Name      string    `json:"name"`
	Status    string    `json:"status,omitempty"`
	Assignee  string    `json:"assignee,omitempty"`
}

func (p TaskPayload) ParentIdentifier() uuid.UUID { return p.ProjectID }

// TaskSchedulePayload is the snapshot carried by every TASKSCHEDULE event.
type TaskSchedulePayload struct {
	TaskID uuid.UUID `json:"taskId"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
}

func (p TaskSchedulePayload) ParentIdentifier() uuid.UUID { return p.TaskID }

// MilestonePayload is the snapshot carried by every MILESTONE event.
type MilestonePayload struct {
	ProjectID uuid.UUID `json:"projectId"`
	Name      string    `json:"name"`
	Date      time.Time `json:"date"`
}

func (p MilestonePayload) ParentIdentifier() uuid.UUID { return p.ProjectID }

// AggregateType describes one projected aggregate type.
type AggregateType struct {
	Type       string
	Events     []string
	DeleteName string
	// PruneOffset is the distance below the written version that is pruned.
	PruneOffset uint64
	ParentType  string
	Factory     event.Factory
}

var (
	_ event.Parented = TaskPayload{}
	_ event.Parented = TaskSchedulePayload{}
	_ event.Parented = MilestonePayload{}
)

// AggregateTypes lists the catalog in registration order (parents first).
func AggregateTypes() []AggregateType {
	return []AggregateType{
		{
			Type:        TypeProject,
			Events:      []string{EventCreated, EventUpdated, EventDeleted},
			DeleteName:  EventDeleted,
			PruneOffset: 1,
			Factory:     func() any { return &ProjectPayload{} },
		},
		{
			Type:        TypeTask,
			Events:      []string{EventCreated, EventUpdated, EventTaskAssigned, EventTaskStatusChanged, EventDeleted},
			DeleteName:  EventDeleted,
			PruneOffset: 1,
			ParentType:  TypeProject,
			Factory:     func() any { return &TaskPayload{} },
		},
		{
			// Schedules are versioned from 1, so the row two below the
			// written version is the superseded one.
			Type:        TypeTaskSchedule,
			Events:      []string{EventCreated, EventScheduleRescheduled, EventDeleted},
			DeleteName:  EventDeleted,
			PruneOffset: 2,
			ParentType:  TypeTask,
			Factory:     func() any { return &TaskSchedulePayload{} },
		},
		{
			Type:        TypeMilestone,
			Events:      []string{EventCreated, EventUpdated, EventDeleted},
			DeleteName:  EventDeleted,
			PruneOffset: 1,
			ParentType:  TypeProject,
			Factory:     func() any { return &MilestonePayload{} },
		},
	}
}

// Register adds every catalog variant to registry.
func Register(registry *event.Registry) error {
	if registry == nil {
		return fmt.Errorf("event registry is required")
	}
	for _, aggregate := range AggregateTypes() {
		for _, name := range aggregate.Events {
			if err := registry.Register(aggregate.Type, name, aggregate.Factory); err != nil {
				return fmt.Errorf("register %s: %w", aggregate.Type, err)
			}
		}
	}
	return nil
}
