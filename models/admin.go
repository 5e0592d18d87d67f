package models

// MonitorEntry is one row of the admin table.
type MonitorEntry struct {
	Key      string `json:"key"`
	Date     string `json:"date"`
	Uid      string `json:"uid"`
	Subtest  int    `json:"subtest"`
	IsPaused bool   `json:"isPaused"`
}

type RecordingInfo struct {
	EgressId  string `json:"egress_id"`
	RoomName  string `json:"room_name"`
	Status    string `json:"status"`
	StartedAt int64  `json:"started_at,omitempty"` // unix nanoseconds
}

type StopRecordingsResponse struct {
	RoomName string `json:"room_name"`
	Stopped  int    `json:"stopped"`
}
