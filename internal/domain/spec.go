package domain

// Quest specification entities. They are read-only inputs to verification.

type RequirementStatus string

const (
	RequirementProposed RequirementStatus = "proposed"
	RequirementApproved RequirementStatus = "approved"
	RequirementDeferred RequirementStatus = "deferred"
)

type Requirement struct {
	ID          string            `json:"id"`
	Name        string            `json:"name,omitempty"`
	Description string            `json:"description,omitempty"`
	Status      RequirementStatus `json:"status,omitempty" enum:"proposed,approved,deferred"`
}

type Context struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

type Observable struct {
	ID            string   `json:"id"`
	ContextID     string   `json:"contextId"`
	RequirementID string   `json:"requirementId,omitempty"`
	DependsOn     []string `json:"dependsOn"`
	Description   string   `json:"description,omitempty"`
}

type Step struct {
	ID                   string   `json:"id"`
	Name                 string   `json:"name,omitempty"`
	DependsOn            []string `json:"dependsOn"`
	ObservablesSatisfied []string `json:"observablesSatisfied"`
	FilesToCreate        []string `json:"filesToCreate"`
	FilesToModify        []string `json:"filesToModify"`
	InputContracts       []string `json:"inputContracts"`
	OutputContracts      []string `json:"outputContracts"`
	ExportName           string   `json:"exportName,omitempty"`
}

type Flow struct {
	ID             string   `json:"id"`
	Name           string   `json:"name,omitempty"`
	RequirementIDs []string `json:"requirementIds"`
}

// ContractProperty is a node in a contract's property tree. A node with
// Properties is nested; otherwise it is a leaf described by Type or Value.
type ContractProperty struct {
	Name       string             `json:"name"`
	Type       string             `json:"type,omitempty"`
	Value      string             `json:"value,omitempty"`
	Properties []ContractProperty `json:"properties,omitempty"`
}

func (p ContractProperty) Nested() bool { return len(p.Properties) > 0 }

type Contract struct {
	Name       string             `json:"name"`
	Kind       string             `json:"kind,omitempty"`
	Properties []ContractProperty `json:"properties"`
}
