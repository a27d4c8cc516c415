package domain

// Stage is one named step of the per-task state machine. The set is closed;
// telemetry payloads carry stages, never free-form strings.
type Stage string

const (
	StageInitializing     Stage = "initializing"
	StageScraping         Stage = "scraping"
	StageScrapingComplete Stage = "scraping_complete"
	StageAnalyzing        Stage = "analyzing"
	StageAnalysisComplete Stage = "analysis_complete"
	StageAlertEvaluation  Stage = "alert_evaluation"
	StageCreatingAlert    Stage = "creating_alert"
	StageAlertCreated     Stage = "alert_created"
	StageAlertSuppressed  Stage = "alert_suppressed"
	StageBelowThreshold   Stage = "below_threshold"
	StageFinalizing       Stage = "finalizing"
	StageCompleted        Stage = "completed"
	StageFailed           Stage = "failed"
)

var stageCompletion = map[Stage]int{
	StageInitializing:     10,
	StageScraping:         25,
	StageScrapingComplete: 40,
	StageAnalyzing:        55,
	StageAnalysisComplete: 70,
	StageAlertEvaluation:  80,
	StageCreatingAlert:    90,
	StageAlertCreated:     95,
	StageAlertSuppressed:  95,
	StageBelowThreshold:   95,
	StageFinalizing:       98,
	StageCompleted:        100,
	StageFailed:           100,
}

// CompletionPercentage returns the fixed progress value for the stage.
func (s Stage) CompletionPercentage() int {
	return stageCompletion[s]
}

// Terminal reports whether no further transition follows the stage.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}
