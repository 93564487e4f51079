package models

// Source kinds.
const (
	SourceKindProvider = "provider"
	SourceKindPlaylist = "playlist"
)

// JobState is the lifecycle state of a Job.
type JobState string

const (
	JobQueued     JobState = "Queued"
	JobInProgress JobState = "InProgress"
	JobCompleted  JobState = "Completed"
	JobFailed     JobState = "Failed"
)

// ActiveJobStates are the non-terminal states.
var ActiveJobStates = []JobState{JobQueued, JobInProgress}

// Terminal reports whether no transition may leave s.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// CanTransition reports whether a job may move from one state to another.
// InProgress -> Queued is the worker's retry path.
func CanTransition(from, to JobState) bool {
	switch from {
	case JobQueued:
		return to == JobInProgress || to == JobFailed
	case JobInProgress:
		return to == JobCompleted || to == JobFailed || to == JobQueued
	}
	return false
}

// JobType tags what a job does.
type JobType string

const (
	JobTypeProviderSync JobType = "ProviderSync"
	JobTypePlaylistSync JobType = "PlaylistSync"
)

// JobTypeForSource returns the sync job type for a source kind.
func JobTypeForSource(kind string) JobType {
	if kind == SourceKindPlaylist {
		return JobTypePlaylistSync
	}
	return JobTypeProviderSync
}
