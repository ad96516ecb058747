package engine

import (
	"fmt"
	"time"

	"questmaestro/internal/domain"
)

// GetCurrentPhase returns the first phase that is neither complete nor skipped.
func GetCurrentPhase(q domain.Quest) (domain.PhaseType, bool) {
	for _, p := range domain.PhaseOrder {
		if !q.Phases.Get(p).Status.Done() {
			return p, true
		}
	}
	return "", false
}

// PhaseCompletion reports where a quest stands in the phase sequence.
// NextPhase is empty once review is current or all phases are done. A quest
// with no current phase cannot proceed.
type PhaseCompletion struct {
	CurrentPhase domain.PhaseType `json:"currentPhase,omitempty"`
	NextPhase    domain.PhaseType `json:"nextPhase,omitempty"`
	CanProceed   bool             `json:"canProceed"`
}

func (e Engine) CheckPhaseCompletion(folder string) (PhaseCompletion, error) {
	q, err := e.LoadQuest(folder)
	if err != nil {
		return PhaseCompletion{}, err
	}
	return phaseCompletion(q), nil
}

func phaseCompletion(q domain.Quest) PhaseCompletion {
	current, ok := GetCurrentPhase(q)
	if !ok {
		return PhaseCompletion{}
	}
	res := PhaseCompletion{CurrentPhase: current, CanProceed: canProceed(q, current)}
	for i, p := range domain.PhaseOrder {
		if p == current && i+1 < len(domain.PhaseOrder) {
			res.NextPhase = domain.PhaseOrder[i+1]
		}
	}
	return res
}

func canProceed(q domain.Quest, phase domain.PhaseType) bool {
	switch phase {
	case domain.PhaseDiscovery:
		return q.Phases.Discovery.Status == domain.PhaseComplete && len(q.Tasks) > 0
	case domain.PhaseImplementation:
		for _, t := range q.Tasks {
			if t.Type == domain.TaskTypeImplementation && !t.Status.Resolved() {
				return false
			}
		}
		return q.Phases.Implementation.Status.Done()
	case domain.PhaseTesting:
		return q.Phases.Testing.Status.Done()
	case domain.PhaseReview:
		return q.Phases.Review.Status == domain.PhaseComplete
	}
	return false
}

// IsQuestComplete is true when the quest is marked complete, or every phase
// and every task is complete or skipped.
func IsQuestComplete(q domain.Quest) bool {
	if q.Status == domain.QuestComplete {
		return true
	}
	for _, p := range domain.PhaseOrder {
		if !q.Phases.Get(p).Status.Done() {
			return false
		}
	}
	for _, t := range q.Tasks {
		if !t.Status.Resolved() {
			return false
		}
	}
	return true
}

type Freshness struct {
	IsStale bool   `json:"isStale"`
	AgeDays int    `json:"ageDays"`
	Message string `json:"message,omitempty"`
}

// ValidateQuestFreshness flags quests older than the configured threshold.
func (e Engine) ValidateQuestFreshness(q domain.Quest) Freshness {
	maxDays := 30
	if e.Config != nil && e.Config.Quests.StaleAfterDays > 0 {
		maxDays = e.Config.Quests.StaleAfterDays
	}
	created, err := time.Parse(time.RFC3339, q.CreatedAt)
	if err != nil {
		return Freshness{}
	}
	age := e.now().Sub(created)
	days := int(age / (24 * time.Hour))
	res := Freshness{AgeDays: days, IsStale: age > time.Duration(maxDays)*24*time.Hour}
	if res.IsStale {
		res.Message = fmt.Sprintf("Quest is %d days old (maximum recommended: %d days)", days, maxDays)
	}
	return res
}
