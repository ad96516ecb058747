package domain

import (
	"encoding/json"
	"fmt"
)

type AgentStatus string

const (
	AgentStatusComplete AgentStatus = "complete"
	AgentStatusBlocked  AgentStatus = "blocked"
	AgentStatusError    AgentStatus = "error"
)

// Escape is an agent's signal that it cannot proceed with the plan as given.
type Escape struct {
	Reason         string `json:"reason"`
	Analysis       string `json:"analysis"`
	Recommendation string `json:"recommendation"`
	Retro          string `json:"retro"`
	PartialWork    string `json:"partialWork,omitempty"`
}

type RetrospectiveNote struct {
	Category     string   `json:"category,omitempty"`
	Note         string   `json:"note"`
	RelatedFiles []string `json:"relatedFiles,omitempty"`
}

// AgentReport is the JSON document an agent writes as NNN-<agent>-report.json.
// Report holds the agent-specific payload; use the typed accessors to decode it.
type AgentReport struct {
	Status             AgentStatus         `json:"status"`
	AgentType          AgentType           `json:"agentType"`
	TaskID             string              `json:"taskId,omitempty"`
	Report             json.RawMessage     `json:"report,omitempty"`
	RetrospectiveNotes []RetrospectiveNote `json:"retrospectiveNotes,omitempty"`
	Escape             *Escape             `json:"escape,omitempty"`
	BlockReason        string              `json:"blockReason,omitempty"`

	// Number is the report number of the file this was read from. It moves
	// past the requested number when the agent was continued or recovered.
	Number string `json:"-"`
	// Recovered marks a report written by an agent respawned after a crash.
	Recovered bool `json:"-"`
}

// NumberOr returns r.Number, or planned when the report carries none.
func (r AgentReport) NumberOr(planned string) string {
	if r.Number != "" {
		return r.Number
	}
	return planned
}

func (r AgentReport) decode(into any) error {
	if len(r.Report) == 0 || string(r.Report) == "null" {
		return nil
	}
	if err := json.Unmarshal(r.Report, into); err != nil {
		return fmt.Errorf("decode %s report: %w", r.AgentType, err)
	}
	return nil
}

func (r AgentReport) Pathseeker() (PathseekerReport, error) {
	var out PathseekerReport
	err := r.decode(&out)
	return out, err
}

func (r AgentReport) Codeweaver() (CodeweaverReport, error) {
	var out CodeweaverReport
	err := r.decode(&out)
	return out, err
}

func (r AgentReport) Spiritmender() (SpiritmenderReport, error) {
	var out SpiritmenderReport
	err := r.decode(&out)
	return out, err
}

// Notes returns retrospective notes from both the envelope and the payload.
func (r AgentReport) Notes() []RetrospectiveNote {
	notes := append([]RetrospectiveNote{}, r.RetrospectiveNotes...)
	var payload struct {
		RetrospectiveNotes []RetrospectiveNote `json:"retrospectiveNotes"`
	}
	if err := r.decode(&payload); err == nil {
		notes = append(notes, payload.RetrospectiveNotes...)
	}
	return notes
}

type ReconcileMode string

const (
	ReconcileExtend   ReconcileMode = "EXTEND"
	ReconcileReplan   ReconcileMode = "REPLAN"
	ReconcileContinue ReconcileMode = "CONTINUE"
)

func (m ReconcileMode) Valid() bool {
	switch m {
	case ReconcileExtend, ReconcileReplan, ReconcileContinue:
		return true
	}
	return false
}

type TaskUpdate struct {
	TaskID          string   `json:"taskId"`
	NewDependencies []string `json:"newDependencies"`
}

type ObsoleteTask struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason"`
}

type ReconciliationPlan struct {
	Mode          ReconcileMode  `json:"mode"`
	NewTasks      []TaskSpec     `json:"newTasks,omitempty"`
	TaskUpdates   []TaskUpdate   `json:"taskUpdates,omitempty"`
	ObsoleteTasks []ObsoleteTask `json:"obsoleteTasks,omitempty"`
}

type ObservableActionSpec struct {
	ID                 string   `json:"id"`
	Description        string   `json:"description"`
	SuccessCriteria    string   `json:"successCriteria"`
	FailureBehavior    string   `json:"failureBehavior,omitempty"`
	ImplementedByTasks []string `json:"implementedByTasks"`
}

type PathseekerReport struct {
	Tasks              []TaskSpec             `json:"tasks"`
	ObservableActions  []ObservableActionSpec `json:"observableActions,omitempty"`
	Approach           string                 `json:"approach,omitempty"`
	Notes              []string               `json:"notes,omitempty"`
	ReconciliationPlan *ReconciliationPlan    `json:"reconciliationPlan,omitempty"`
	RecoveryAssessment *RecoveryAssessment    `json:"recoveryAssessment,omitempty"`
}

type RecoveryRecommendation string

const (
	RecoverContinue           RecoveryRecommendation = "continue"
	RecoverRestart            RecoveryRecommendation = "restart"
	RecoverManualIntervention RecoveryRecommendation = "manual_intervention"
)

// RecoveryAssessment is pathseeker's verdict on the work a crashed agent left
// behind.
type RecoveryAssessment struct {
	FilesCompleted []string               `json:"files_completed"`
	FilesPartial   []string               `json:"files_partial"`
	FilesMissing   []string               `json:"files_missing"`
	Recommendation RecoveryRecommendation `json:"recommendation"`
	Reason         string                 `json:"reason"`
}

type CodeweaverReport struct {
	FilesCreated  []string `json:"filesCreated"`
	FilesModified []string `json:"filesModified"`
	Summary       string   `json:"summary"`
	Issues        []string `json:"issues,omitempty"`
}

type SpiritmenderReport struct {
	FilesModified   []string `json:"filesModified"`
	RemainingErrors []string `json:"remainingErrors,omitempty"`
	AttemptNumber   int      `json:"attemptNumber"`
}
