// Package taskstatus drives a work task through its lifecycle from zone
// occupancy observations.
//
//	not_started -> in_progress <-> stopped -> done | not_done
//
// done and not_done are terminal.
package taskstatus

import (
	"time"

	"fleet-monitor/analytics/internal/domain"
)

// Observation is what one report cycle knows about the vehicle.
type Observation struct {
	Now time.Time

	// HasPosition is false when no sample exists in the task window yet.
	HasPosition bool
	InZone      bool

	// InZoneWork is the movement duration accumulated inside the zone.
	InZoneWork time.Duration
}

type Transition struct {
	From domain.TaskState
	To   domain.TaskState

	StatusChanged *domain.StatusChangedEvent
	ZoneStatus    *domain.ZoneStatusEvent
}

func (t Transition) Changed() bool {
	return t.From != t.To
}

// Evaluate applies one observation to the task. It never mutates the task.
func Evaluate(task domain.Task, vehicle domain.Vehicle, obs Observation) Transition {
	from := task.Status
	if from == "" {
		from = domain.TaskNotStarted
	}
	tr := Transition{From: from, To: from}

	if from.IsTerminal() {
		return tr
	}

	switch {
	case task.Elapsed(obs.Now):
		tr.To = domain.TaskNotDone
		if obs.InZoneWork > 0 {
			tr.To = domain.TaskDone
		}
		tr.StatusChanged = statusEvent(task, tr.To, obs)

	case !task.Started(obs.Now), !obs.HasPosition:

	case obs.InZone:
		if from == domain.TaskInProgress {
			break
		}
		tr.To = domain.TaskInProgress
		if from == domain.TaskStopped {
			tr.ZoneStatus = zoneEvent(task, vehicle, obs)
		} else {
			tr.StatusChanged = statusEvent(task, tr.To, obs)
		}

	case from == domain.TaskInProgress:
		tr.To = domain.TaskStopped
		tr.ZoneStatus = zoneEvent(task, vehicle, obs)
	}

	return tr
}

func statusEvent(task domain.Task, to domain.TaskState, obs Observation) *domain.StatusChangedEvent {
	ev := &domain.StatusChangedEvent{
		TaskID:    task.ID,
		VehicleID: task.VehicleID,
		Status:    to,
	}
	if obs.HasPosition {
		inZone := obs.InZone
		ev.IsInZone = &inZone
	}
	return ev
}

func zoneEvent(task domain.Task, vehicle domain.Vehicle, obs Observation) *domain.ZoneStatusEvent {
	return &domain.ZoneStatusEvent{
		VehicleID:             task.VehicleID,
		DeviceID:              vehicle.DeviceID,
		IsInZone:              obs.InZone,
		TaskID:                task.ID,
		TaskName:              task.Name,
		WorkDurationInZoneSec: int64(obs.InZoneWork / time.Second),
	}
}
