package schema

import "time"

// StageID identifies one unit of startup work. The set is closed: every
// stage the orchestrator can run is declared in this package.
type StageID string

const (
	StageCoreServices      StageID = "core_services"
	StageLocalCache        StageID = "local_cache"
	StageRemoteConfig      StageID = "remote_config"
	StageAuthSession       StageID = "auth_session"
	StageUserProfile       StageID = "user_profile"
	StageAppSettings       StageID = "app_settings"
	StageCrewDirectory     StageID = "crew_directory"
	StageJobFeed           StageID = "job_feed"
	StageContractorIndex   StageID = "contractor_index"
	StageMessaging         StageID = "messaging"
	StagePushNotifications StageID = "push_notifications"
	StageAnalytics         StageID = "analytics"
)

func (s StageID) String() string { return string(s) }

// StageDescriptor is the static metadata attached to a stage. Level 0 is
// infrastructure; higher levels depend on the completion of every critical
// stage below them, plus any explicit Requires edges.
type StageDescriptor struct {
	ID                StageID       `json:"id"`
	Level             int           `json:"level"`
	Critical          bool          `json:"critical"`
	Parallel          bool          `json:"parallel"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	Requires          []StageID     `json:"requires,omitempty"`
	Refreshable       bool          `json:"refreshable,omitempty"`
}

// stageTable is the single source of truth for the stage set, in declaration
// order (ascending level, then registration order).
var stageTable = []StageDescriptor{
	{ID: StageCoreServices, Level: 0, Critical: true, Parallel: false, EstimatedDuration: 500 * time.Millisecond},
	{ID: StageLocalCache, Level: 0, Critical: true, Parallel: true, EstimatedDuration: 200 * time.Millisecond},
	{ID: StageRemoteConfig, Level: 0, Critical: false, Parallel: true, EstimatedDuration: 800 * time.Millisecond, Refreshable: true},
	{ID: StageAuthSession, Level: 1, Critical: true, Parallel: false, EstimatedDuration: time.Second},
	{ID: StageUserProfile, Level: 2, Critical: true, Parallel: false, EstimatedDuration: 1200 * time.Millisecond, Requires: []StageID{StageAuthSession}},
	{ID: StageAppSettings, Level: 2, Critical: false, Parallel: true, EstimatedDuration: 400 * time.Millisecond},
	{ID: StageCrewDirectory, Level: 3, Critical: false, Parallel: true, EstimatedDuration: 1500 * time.Millisecond, Requires: []StageID{StageUserProfile}},
	{ID: StageJobFeed, Level: 3, Critical: false, Parallel: true, EstimatedDuration: 2 * time.Second, Refreshable: true},
	{ID: StageContractorIndex, Level: 3, Critical: false, Parallel: true, EstimatedDuration: 1800 * time.Millisecond},
	{ID: StageMessaging, Level: 4, Critical: false, Parallel: true, EstimatedDuration: 900 * time.Millisecond, Requires: []StageID{StageUserProfile}},
	{ID: StagePushNotifications, Level: 4, Critical: false, Parallel: true, EstimatedDuration: 600 * time.Millisecond},
	{ID: StageAnalytics, Level: 4, Critical: false, Parallel: true, EstimatedDuration: 300 * time.Millisecond},
}

// AllStages returns the full stage set in declaration order. The returned
// slice is a copy; callers may not mutate the registry.
func AllStages() []StageDescriptor {
	out := make([]StageDescriptor, len(stageTable))
	copy(out, stageTable)
	return out
}

// Describe returns the descriptor for a stage ID.
// The second return is false for IDs outside the closed set.
func Describe(id StageID) (StageDescriptor, bool) {
	for _, d := range stageTable {
		if d.ID == id {
			return d, true
		}
	}
	return StageDescriptor{}, false
}

// IsKnownStage reports whether id belongs to the closed stage set.
func IsKnownStage(id StageID) bool {
	_, ok := Describe(id)
	return ok
}

// StageCount is the size of the closed stage set.
func StageCount() int { return len(stageTable) }
