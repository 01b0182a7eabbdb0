package domain

import "time"

// Polygon is a closed ring of vertices. The closing vertex may be repeated or
// implied.
type Polygon []Coordinate

type TaskState string

const (
	TaskNotStarted TaskState = "not_started"
	TaskInProgress TaskState = "in_progress"
	TaskStopped    TaskState = "stopped"
	TaskDone       TaskState = "done"
	TaskNotDone    TaskState = "not_done"
)

func (s TaskState) IsTerminal() bool {
	return s == TaskDone || s == TaskNotDone
}

func (s TaskState) Valid() bool {
	switch s {
	case TaskNotStarted, TaskInProgress, TaskStopped, TaskDone, TaskNotDone:
		return true
	}
	return false
}

type Task struct {
	ID        string
	VehicleID string
	Name      string
	ZoneID    string
	StartAt   time.Time
	EndAt     time.Time
	Status    TaskState

	// ExpectedDailyWorkSec overrides the engine default when positive.
	ExpectedDailyWorkSec int64
}

// Elapsed reports whether the task window has closed at now.
func (t Task) Elapsed(now time.Time) bool {
	return !now.Before(t.EndAt)
}

// Started reports whether the task window has opened at now.
func (t Task) Started(now time.Time) bool {
	return !now.Before(t.StartAt)
}
