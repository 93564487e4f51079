package models

// Settings are the operator-tunable sync settings. They are read once when a
// job is created; running jobs never consult them.
type Settings struct {
	SyncEnabled             bool     `json:"sync_enabled"`
	SyncSchedules           []string `json:"sync_schedules"`
	AllowStreamAutoDeletion bool     `json:"allow_stream_auto_deletion"`
	SyncJobMaxAttempts      int      `json:"sync_job_max_attempts"`
}

// DefaultSettings returns the settings used before an operator saves any.
func DefaultSettings() Settings {
	return Settings{
		SyncEnabled:             false,
		SyncSchedules:           []string{},
		AllowStreamAutoDeletion: true,
		SyncJobMaxAttempts:      3,
	}
}
