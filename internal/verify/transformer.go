package verify

import (
	"fmt"

	"questmaestro/internal/domain"
)

// Check is one named verification outcome.
type Check struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Details string `json:"details"`
}

// Options tunes checks that depend on project layout.
type Options struct {
	ContractFolders []string
}

func check(name string, passed bool, ok, failed string) Check {
	if passed {
		return Check{Name: name, Passed: true, Details: ok}
	}
	return Check{Name: name, Passed: false, Details: failed}
}

// Checks runs every guard over q in a fixed order.
func Checks(q domain.Quest, opts Options) []Check {
	checks := []Check{
		check("Observable Coverage", ObservablesCovered(q.Observables, q.Steps),
			fmt.Sprintf("All %d observables covered by steps", len(q.Observables)),
			"Some observables not covered by any step's observablesSatisfied"),
		check("Dependency Integrity", StepDependenciesExist(q.Steps),
			"All step dependsOn references point to existing steps",
			"Some step dependsOn references point to non-existent steps"),
		check("No Circular Dependencies", StepsAcyclic(q.Steps),
			"Step dependency graph is a valid DAG",
			"Circular dependency detected in step dependency graph"),
		check("No Orphan Steps", NoOrphanSteps(q.Steps),
			fmt.Sprintf("All %d steps satisfy at least one observable", len(q.Steps)),
			"Some steps do not satisfy any observable"),
		check("Valid Context References", ObservableContextsExist(q.Observables, q.Contexts),
			"All observable contextId references point to existing contexts",
			"Some observables reference non-existent contexts"),
		check("Valid Requirement References", ObservableRequirementsExist(q.Observables, q.Requirements),
			"All observable requirementId references point to existing requirements",
			"Some observables reference non-existent requirements"),
		check("File Companion Completeness", FileCompanionsPresent(q.Steps),
			"All implementation files have required companion files (test, proxy, stub)",
			"Some implementation files are missing required companion files"),
		check("No Raw Primitives in Contracts", NoRawPrimitives(q.Contracts),
			"All contract properties use branded or non-primitive types",
			"Some contract properties use raw primitive types (string, number, any, object, unknown)"),
		check("Step Contract Declarations", StepContractsDeclared(q.Steps, q.Contracts, opts.ContractFolders),
			"All steps in contract-requiring folders have outputContracts declared",
			"Some steps are missing required contract declarations in outputContracts"),
		check("Valid Contract References", ContractRefsExist(q.Steps, q.Contracts),
			"All step inputContracts and outputContracts reference existing contracts",
			"Some steps reference non-existent contract names in inputContracts or outputContracts"),
		check("Step Export Names", StepExportNamesSet(q.Steps),
			"All steps creating entry files have exportName set",
			"Some steps with entry files are missing required exportName"),
		check("Valid Flow References", FlowRequirementsExist(q.Flows, q.Requirements),
			"All flow requirementIds reference existing requirements",
			"Some flows reference non-existent requirement IDs"),
	}
	// flow coverage is advisory and never fails the quest
	coverage := Check{Name: "Flow Coverage", Passed: true, Details: "All approved requirements covered by flows"}
	if !ApprovedRequirementsCovered(q.Flows, q.Requirements) {
		coverage.Details = "WARNING: Not all approved requirements are covered by flows (optional for simple quests)"
	}
	return append(checks, coverage)
}

// Passed reports whether every check passed.
func Passed(checks []Check) bool {
	for _, c := range checks {
		if !c.Passed {
			return false
		}
	}
	return true
}
