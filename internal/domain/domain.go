package domain

type QuestStatus string

const (
	QuestInProgress QuestStatus = "in_progress"
	QuestComplete   QuestStatus = "complete"
	QuestBlocked    QuestStatus = "blocked"
	QuestAbandoned  QuestStatus = "abandoned"
)

func (s QuestStatus) Valid() bool {
	switch s {
	case QuestInProgress, QuestComplete, QuestBlocked, QuestAbandoned:
		return true
	}
	return false
}

type PhaseType string

const (
	PhaseDiscovery      PhaseType = "discovery"
	PhaseImplementation PhaseType = "implementation"
	PhaseTesting        PhaseType = "testing"
	PhaseReview         PhaseType = "review"
)

// PhaseOrder is the fixed order quests move through.
var PhaseOrder = []PhaseType{PhaseDiscovery, PhaseImplementation, PhaseTesting, PhaseReview}

func (p PhaseType) Valid() bool {
	switch p {
	case PhaseDiscovery, PhaseImplementation, PhaseTesting, PhaseReview:
		return true
	}
	return false
}

type PhaseStatus string

const (
	PhasePending    PhaseStatus = "pending"
	PhaseInProgress PhaseStatus = "in_progress"
	PhaseComplete   PhaseStatus = "complete"
	PhaseBlocked    PhaseStatus = "blocked"
	PhaseSkipped    PhaseStatus = "skipped"
)

func (s PhaseStatus) Valid() bool {
	switch s {
	case PhasePending, PhaseInProgress, PhaseComplete, PhaseBlocked, PhaseSkipped:
		return true
	}
	return false
}

// Done reports whether the phase no longer needs work.
func (s PhaseStatus) Done() bool {
	return s == PhaseComplete || s == PhaseSkipped
}

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskComplete   TaskStatus = "complete"
	TaskFailed     TaskStatus = "failed"
	TaskSkipped    TaskStatus = "skipped"
	TaskBlocked    TaskStatus = "blocked"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskInProgress, TaskComplete, TaskFailed, TaskSkipped, TaskBlocked:
		return true
	}
	return false
}

// Resolved reports whether dependents of a task in this status may start.
func (s TaskStatus) Resolved() bool {
	return s == TaskComplete || s == TaskSkipped
}

// Terminal reports whether a task in this status survives a replan.
func (s TaskStatus) Terminal() bool {
	return s == TaskComplete || s == TaskSkipped || s == TaskFailed
}

type TaskType string

const (
	TaskTypeImplementation TaskType = "implementation"
	TaskTypeTesting        TaskType = "testing"
)

type AgentType string

const (
	AgentPathseeker   AgentType = "pathseeker"
	AgentCodeweaver   AgentType = "codeweaver"
	AgentSiegemaster  AgentType = "siegemaster"
	AgentLawbringer   AgentType = "lawbringer"
	AgentSpiritmender AgentType = "spiritmender"
	AgentVoidpoker    AgentType = "voidpoker"
)

func (a AgentType) Valid() bool {
	switch a {
	case AgentPathseeker, AgentCodeweaver, AgentSiegemaster, AgentLawbringer, AgentSpiritmender, AgentVoidpoker:
		return true
	}
	return false
}

type Phase struct {
	Status      PhaseStatus `json:"status" enum:"pending,in_progress,complete,blocked,skipped"`
	StartedAt   string      `json:"startedAt,omitempty" format:"date-time"`
	CompletedAt string      `json:"completedAt,omitempty" format:"date-time"`
	Report      string      `json:"report,omitempty"`
	Progress    string      `json:"progress,omitempty"`
}

type Phases struct {
	Discovery      Phase `json:"discovery"`
	Implementation Phase `json:"implementation"`
	Testing        Phase `json:"testing"`
	Review         Phase `json:"review"`
}

// Get returns the entry for a phase, or nil for an unknown phase type.
func (p *Phases) Get(t PhaseType) *Phase {
	switch t {
	case PhaseDiscovery:
		return &p.Discovery
	case PhaseImplementation:
		return &p.Implementation
	case PhaseTesting:
		return &p.Testing
	case PhaseReview:
		return &p.Review
	}
	return nil
}

// TaskSpec is a task as proposed by an agent report.
type TaskSpec struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Type           TaskType `json:"type"`
	Description    string   `json:"description"`
	Dependencies   []string `json:"dependencies"`
	FilesToCreate  []string `json:"filesToCreate"`
	FilesToEdit    []string `json:"filesToEdit"`
	TestTechnology string   `json:"testTechnology,omitempty"`
}

// ToTask converts a proposed task into a pending quest task.
func (s TaskSpec) ToTask() Task {
	return Task{
		ID:             s.ID,
		Name:           s.Name,
		Type:           s.Type,
		Description:    s.Description,
		Dependencies:   append([]string{}, s.Dependencies...),
		FilesToCreate:  append([]string{}, s.FilesToCreate...),
		FilesToEdit:    append([]string{}, s.FilesToEdit...),
		TestTechnology: s.TestTechnology,
		Status:         TaskPending,
	}
}

type Task struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Type           TaskType   `json:"type"`
	Description    string     `json:"description"`
	Dependencies   []string   `json:"dependencies"`
	FilesToCreate  []string   `json:"filesToCreate"`
	FilesToEdit    []string   `json:"filesToEdit"`
	TestTechnology string     `json:"testTechnology,omitempty"`
	Status         TaskStatus `json:"status" enum:"pending,in_progress,complete,failed,skipped,blocked"`
	StartedAt      string     `json:"startedAt,omitempty" format:"date-time"`
	CompletedAt    string     `json:"completedAt,omitempty" format:"date-time"`
	CompletedBy    string     `json:"completedBy,omitempty"`
	ErrorMessage   string     `json:"errorMessage,omitempty"`
}

type ExecutionLogEntry struct {
	Report     string    `json:"report"`
	TaskID     string    `json:"taskId,omitempty"`
	Timestamp  string    `json:"timestamp" format:"date-time"`
	AgentType  AgentType `json:"agentType,omitempty"`
	IsRecovery bool      `json:"isRecovery,omitempty"`
}

type ObservableStatus string

const (
	ObservablePending      ObservableStatus = "pending"
	ObservableDemonstrated ObservableStatus = "demonstrated"
)

// ObservableAction is a user-visible outcome the quest must demonstrate.
type ObservableAction struct {
	ID                 string           `json:"id"`
	Description        string           `json:"description"`
	SuccessCriteria    string           `json:"successCriteria"`
	FailureBehavior    string           `json:"failureBehavior,omitempty"`
	ImplementedByTasks []string         `json:"implementedByTasks"`
	Status             ObservableStatus `json:"status"`
}

type RefinementRequest struct {
	FromAgent    AgentType `json:"fromAgent"`
	Timestamp    string    `json:"timestamp" format:"date-time"`
	Finding      string    `json:"finding"`
	Suggestion   string    `json:"suggestion"`
	ReportNumber string    `json:"reportNumber,omitempty"`
}

type RecoveryKind string

const (
	// RecoveryWard is a spiritmender repair of a failed ward run.
	RecoveryWard RecoveryKind = "ward"
	// RecoveryCrash is a respawn of an agent that exited without a report.
	RecoveryCrash RecoveryKind = "crash"
)

type RecoveryEntry struct {
	Timestamp            string       `json:"timestamp" format:"date-time"`
	Kind                 RecoveryKind `json:"kind,omitempty" enum:"ward,crash"`
	AgentType            AgentType    `json:"agentType"`
	TaskID               string       `json:"taskId,omitempty"`
	AttemptNumber        int          `json:"attemptNumber"`
	FailureReason        string       `json:"failureReason"`
	PreviousReportNumber string       `json:"previousReportNumber,omitempty"`
}

// CrashRecoveries counts crash recoveries of agentType on taskID.
func (q Quest) CrashRecoveries(agentType AgentType, taskID string) int {
	n := 0
	for _, r := range q.RecoveryHistory {
		if r.Kind == RecoveryCrash && r.AgentType == agentType && r.TaskID == taskID {
			n++
		}
	}
	return n
}

// Quest is the root aggregate persisted as quest.json in its folder.
type Quest struct {
	ID                 string              `json:"id"`
	Folder             string              `json:"folder"`
	Title              string              `json:"title"`
	Status             QuestStatus         `json:"status" enum:"in_progress,complete,blocked,abandoned"`
	UserRequest        string              `json:"userRequest,omitempty"`
	CreatedAt          string              `json:"createdAt" format:"date-time"`
	UpdatedAt          string              `json:"updatedAt,omitempty" format:"date-time"`
	CompletedAt        string              `json:"completedAt,omitempty" format:"date-time"`
	Phases             Phases              `json:"phases"`
	Tasks              []Task              `json:"tasks"`
	ObservableActions  []ObservableAction  `json:"observableActions"`
	ExecutionLog       []ExecutionLogEntry `json:"executionLog"`
	RefinementRequests []RefinementRequest `json:"refinementRequests"`
	RecoveryHistory    []RecoveryEntry     `json:"recoveryHistory"`
	NeedsRefinement    bool                `json:"needsRefinement"`
	AbandonReason      string              `json:"abandonReason,omitempty"`
	RecoveryAttempts   int                 `json:"recoveryAttempts,omitempty"`
	BlockingErrors     []string            `json:"blockingErrors,omitempty"`

	Requirements []Requirement `json:"requirements"`
	Contexts     []Context     `json:"contexts"`
	Observables  []Observable  `json:"observables"`
	Steps        []Step        `json:"steps"`
	Flows        []Flow        `json:"flows"`
	Contracts    []Contract    `json:"contracts"`
}

// TaskByID returns a pointer into q.Tasks, or nil.
func (q *Quest) TaskByID(id string) *Task {
	for i := range q.Tasks {
		if q.Tasks[i].ID == id {
			return &q.Tasks[i]
		}
	}
	return nil
}

// TrackerEntry is the list-view projection of a quest.
type TrackerEntry struct {
	ID           string      `json:"id"`
	Folder       string      `json:"folder"`
	Title        string      `json:"title"`
	Status       QuestStatus `json:"status"`
	CreatedAt    string      `json:"createdAt" format:"date-time"`
	CurrentPhase PhaseType   `json:"currentPhase,omitempty"`
	TaskProgress string      `json:"taskProgress,omitempty"`
}

type Tracker struct {
	Updated      string         `json:"updated" format:"date-time"`
	ActiveQuests int            `json:"activeQuests"`
	Quests       []TrackerEntry `json:"quests"`
}

type RetroIndexEntry struct {
	QuestID        string `json:"questId"`
	QuestTitle     string `json:"questTitle"`
	Filename       string `json:"filename"`
	TasksTotal     int    `json:"tasksTotal"`
	TasksCompleted int    `json:"tasksCompleted"`
	Duration       string `json:"duration"`
}

// Event is a journal row describing one quest mutation.
type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	QuestFolder string `json:"quest_folder,omitempty"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	Payload     string `json:"payload"`
}
