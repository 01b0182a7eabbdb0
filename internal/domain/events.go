package domain

type StatusChangedEvent struct {
	TaskID    string    `json:"task_id"`
	VehicleID string    `json:"vehicle_id"`
	Status    TaskState `json:"status"`
	IsInZone  *bool     `json:"is_in_zone,omitempty"`
}

type ZoneStatusEvent struct {
	VehicleID             string `json:"vehicle_id"`
	DeviceID              string `json:"device_id"`
	IsInZone              bool   `json:"is_in_zone"`
	TaskID                string `json:"task_id"`
	TaskName              string `json:"task_name"`
	WorkDurationInZoneSec int64  `json:"work_duration_in_zone_sec"`
}
