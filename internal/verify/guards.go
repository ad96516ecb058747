package verify

import (
	"path"
	"strings"

	"questmaestro/internal/domain"
)

// Guards are pure predicates over a quest specification. A nil section is
// treated as missing data and fails; an empty section passes vacuously.

func ObservablesCovered(observables []domain.Observable, steps []domain.Step) bool {
	if observables == nil || steps == nil {
		return false
	}
	covered := map[string]bool{}
	for _, s := range steps {
		for _, id := range s.ObservablesSatisfied {
			covered[id] = true
		}
	}
	for _, o := range observables {
		if !covered[o.ID] {
			return false
		}
	}
	return true
}

func StepDependenciesExist(steps []domain.Step) bool {
	if steps == nil {
		return false
	}
	ids := stepIDs(steps)
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				return false
			}
		}
	}
	return true
}

// StepsAcyclic reports whether the dependsOn graph is a DAG. Edges to
// unknown steps are ignored here; StepDependenciesExist reports them.
func StepsAcyclic(steps []domain.Step) bool {
	if steps == nil {
		return false
	}
	deps := make(map[string][]string, len(steps))
	for _, s := range steps {
		deps[s.ID] = s.DependsOn
	}
	visited := map[string]bool{}
	onStack := map[string]bool{}
	var cyclic func(id string) bool
	cyclic = func(id string) bool {
		if onStack[id] {
			return true
		}
		if visited[id] {
			return false
		}
		onStack[id] = true
		for _, dep := range deps[id] {
			if _, known := deps[dep]; known && cyclic(dep) {
				return true
			}
		}
		onStack[id] = false
		visited[id] = true
		return false
	}
	for _, s := range steps {
		if cyclic(s.ID) {
			return false
		}
	}
	return true
}

func NoOrphanSteps(steps []domain.Step) bool {
	if steps == nil {
		return false
	}
	for _, s := range steps {
		if len(s.ObservablesSatisfied) == 0 {
			return false
		}
	}
	return true
}

func ObservableContextsExist(observables []domain.Observable, contexts []domain.Context) bool {
	if observables == nil || contexts == nil {
		return false
	}
	ids := map[string]bool{}
	for _, c := range contexts {
		ids[c.ID] = true
	}
	for _, o := range observables {
		if !ids[o.ContextID] {
			return false
		}
	}
	return true
}

// ObservableRequirementsExist checks requirementId only where it is set.
func ObservableRequirementsExist(observables []domain.Observable, requirements []domain.Requirement) bool {
	if observables == nil || requirements == nil {
		return false
	}
	ids := requirementIDs(requirements)
	for _, o := range observables {
		if o.RequirementID != "" && !ids[o.RequirementID] {
			return false
		}
	}
	return true
}

// companionRule lists what a created file with a given role suffix needs
// alongside it.
type companionRule struct {
	proxy bool
	stub  bool
}

var companionRoles = map[string]companionRule{
	"broker":      {proxy: true},
	"adapter":     {proxy: true},
	"middleware":  {proxy: true},
	"binding":     {proxy: true},
	"state":       {proxy: true},
	"responder":   {proxy: true},
	"guard":       {},
	"transformer": {},
	"contract":    {stub: true},
}

var companionMarkers = []string{".test", ".proxy", ".stub"}

// splitSource returns the file without extension and its extension.
func splitSource(file string) (string, string) {
	ext := path.Ext(file)
	return strings.TrimSuffix(file, ext), ext
}

// fileRole returns the role suffix of an implementation file, or "" for
// companions and unrecognized files.
func fileRole(file string) string {
	stem, _ := splitSource(file)
	for _, m := range companionMarkers {
		if strings.HasSuffix(stem, m) {
			return ""
		}
	}
	base := path.Base(stem)
	for role := range companionRoles {
		if strings.HasSuffix(base, "-"+role) {
			return role
		}
	}
	return ""
}

// FileCompanionsPresent checks, across all steps, that each created role
// file has its test, and where required its proxy or stub.
func FileCompanionsPresent(steps []domain.Step) bool {
	if steps == nil {
		return false
	}
	created := map[string]bool{}
	for _, s := range steps {
		for _, f := range s.FilesToCreate {
			created[f] = true
		}
	}
	for f := range created {
		role := fileRole(f)
		if role == "" {
			continue
		}
		stem, ext := splitSource(f)
		if !created[stem+".test"+ext] {
			return false
		}
		rule := companionRoles[role]
		if rule.proxy && !created[stem+".proxy"+ext] {
			return false
		}
		if rule.stub && !created[strings.TrimSuffix(stem, "-contract")+".stub"+ext] {
			return false
		}
	}
	return true
}

var rawPrimitives = map[string]bool{
	"string":  true,
	"number":  true,
	"any":     true,
	"object":  true,
	"unknown": true,
}

func NoRawPrimitives(contracts []domain.Contract) bool {
	if contracts == nil {
		return false
	}
	for _, c := range contracts {
		if !propertiesBranded(c.Properties) {
			return false
		}
	}
	return true
}

func propertiesBranded(props []domain.ContractProperty) bool {
	for _, p := range props {
		if p.Nested() {
			if !propertiesBranded(p.Properties) {
				return false
			}
			continue
		}
		if rawPrimitives[strings.ToLower(strings.TrimSpace(p.Type))] {
			return false
		}
	}
	return true
}

var contractExemptFolders = map[string]bool{"contracts": true, "statics": true}

// StepContractsDeclared checks that steps touching files in contract folders
// declare outputContracts. A quest with no contracts passes.
func StepContractsDeclared(steps []domain.Step, contracts []domain.Contract, folders []string) bool {
	if steps == nil || contracts == nil {
		return false
	}
	if len(contracts) == 0 {
		return true
	}
	required := map[string]bool{}
	for _, f := range folders {
		if !contractExemptFolders[f] {
			required[f] = true
		}
	}
	for _, s := range steps {
		if len(s.OutputContracts) > 0 {
			continue
		}
		files := append(append([]string{}, s.FilesToCreate...), s.FilesToModify...)
		for _, f := range files {
			if inFolder(f, required) {
				return false
			}
		}
	}
	return true
}

func inFolder(file string, folders map[string]bool) bool {
	segments := strings.Split(path.Dir(file), "/")
	for _, seg := range segments {
		if contractExemptFolders[seg] {
			return false
		}
	}
	for _, seg := range segments {
		if folders[seg] {
			return true
		}
	}
	return false
}

func ContractRefsExist(steps []domain.Step, contracts []domain.Contract) bool {
	if steps == nil || contracts == nil {
		return false
	}
	names := map[string]bool{}
	for _, c := range contracts {
		names[c.Name] = true
	}
	for _, s := range steps {
		for _, n := range s.InputContracts {
			if !names[n] {
				return false
			}
		}
		for _, n := range s.OutputContracts {
			if !names[n] {
				return false
			}
		}
	}
	return true
}

// isEntryFile reports whether a created file exports the step's main symbol.
func isEntryFile(file string) bool {
	if strings.Contains(path.Base(file), "-layer-") {
		return false
	}
	return fileRole(file) != ""
}

func StepExportNamesSet(steps []domain.Step) bool {
	if steps == nil {
		return false
	}
	for _, s := range steps {
		if strings.TrimSpace(s.ExportName) != "" {
			continue
		}
		for _, f := range s.FilesToCreate {
			if isEntryFile(f) {
				return false
			}
		}
	}
	return true
}

func FlowRequirementsExist(flows []domain.Flow, requirements []domain.Requirement) bool {
	if flows == nil || requirements == nil {
		return false
	}
	ids := requirementIDs(requirements)
	for _, f := range flows {
		for _, id := range f.RequirementIDs {
			if !ids[id] {
				return false
			}
		}
	}
	return true
}

// ApprovedRequirementsCovered reports whether every approved requirement is
// referenced by some flow.
func ApprovedRequirementsCovered(flows []domain.Flow, requirements []domain.Requirement) bool {
	if flows == nil || requirements == nil {
		return false
	}
	covered := map[string]bool{}
	for _, f := range flows {
		for _, id := range f.RequirementIDs {
			covered[id] = true
		}
	}
	for _, r := range requirements {
		if r.Status == domain.RequirementApproved && !covered[r.ID] {
			return false
		}
	}
	return true
}

func stepIDs(steps []domain.Step) map[string]bool {
	ids := make(map[string]bool, len(steps))
	for _, s := range steps {
		ids[s.ID] = true
	}
	return ids
}

func requirementIDs(requirements []domain.Requirement) map[string]bool {
	ids := make(map[string]bool, len(requirements))
	for _, r := range requirements {
		ids[r.ID] = true
	}
	return ids
}
