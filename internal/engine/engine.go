package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"questmaestro/internal/config"
	"questmaestro/internal/domain"
	"questmaestro/internal/events"
	"questmaestro/internal/logging"
	"questmaestro/internal/repo"
)

var (
	ErrInvalidDependencies = errors.New("Invalid task dependencies detected")
	ErrDuplicateTask       = errors.New("duplicate task id")
	ErrTaskNotFound        = errors.New("task not found")
)

// Engine is the quest manager: the only writer of quest documents.
type Engine struct {
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Log    *zap.Logger
	Now    func() time.Time
}

func New(r repo.Repo, cfg *config.Config, log *zap.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		Repo:   r,
		Events: events.Writer{DB: r.DB},
		Config: cfg,
		Log:    logging.OrNop(log),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *zap.Logger {
	return logging.OrNop(e.Log)
}

// journal records an event; failures are logged and never fail the caller.
func (e Engine) journal(ctx context.Context, evtType, folder, entityKind, entityID string, payload events.EventPayload) {
	w := e.Events
	w.Now = e.now
	if err := w.Append(ctx, evtType, folder, entityKind, entityID, payload); err != nil {
		e.log().Warn("journal append failed", zap.String("type", evtType), zap.String("quest", folder), zap.Error(err))
	}
}

var nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)

// QuestID derives the quest id slug from a title.
func QuestID(title string) string {
	id := nonSlugChars.ReplaceAllString(strings.ToLower(title), "-")
	id = strings.TrimPrefix(id, "-")
	id = strings.TrimSuffix(id, "-")
	if len(id) > 50 {
		id = id[:50]
	}
	return id
}

func newQuest(id, folder, title, userRequest, now string) domain.Quest {
	pending := domain.Phase{Status: domain.PhasePending}
	return domain.Quest{
		ID:                 id,
		Folder:             folder,
		Title:              title,
		Status:             domain.QuestInProgress,
		UserRequest:        userRequest,
		CreatedAt:          now,
		UpdatedAt:          now,
		Phases:             domain.Phases{Discovery: pending, Implementation: pending, Testing: pending, Review: pending},
		Tasks:              []domain.Task{},
		ObservableActions:  []domain.ObservableAction{},
		ExecutionLog:       []domain.ExecutionLogEntry{},
		RefinementRequests: []domain.RefinementRequest{},
		RecoveryHistory:    []domain.RecoveryEntry{},
		Requirements:       []domain.Requirement{},
		Contexts:           []domain.Context{},
		Observables:        []domain.Observable{},
		Steps:              []domain.Step{},
		Flows:              []domain.Flow{},
		Contracts:          []domain.Contract{},
	}
}

// CreateNewQuest allocates the next numbered folder and persists a fresh quest.
func (e Engine) CreateNewQuest(ctx context.Context, title, userRequest string) (domain.Quest, error) {
	if err := e.Repo.EnsureLayout(); err != nil {
		return domain.Quest{}, fmt.Errorf("create quest: %w", err)
	}
	number, err := e.Repo.NextQuestNumber()
	if err != nil {
		return domain.Quest{}, fmt.Errorf("create quest: %w", err)
	}
	id := QuestID(title)
	folder := fmt.Sprintf("%03d-%s", number, id)
	if err := e.Repo.CreateQuestFolder(folder); err != nil {
		return domain.Quest{}, fmt.Errorf("create quest: %w", err)
	}
	q := newQuest(id, folder, title, userRequest, e.timestamp())
	if err := e.writeQuest(repo.StateActive, &q); err != nil {
		return domain.Quest{}, fmt.Errorf("create quest: %w", err)
	}
	e.updateTracker()
	e.journal(ctx, events.QuestCreated, folder, "quest", id, events.EventPayload{"title": title})
	e.log().Info("quest created", zap.String("quest", folder))
	return q, nil
}

// LoadQuest reads an active quest.
func (e Engine) LoadQuest(folder string) (domain.Quest, error) {
	var q domain.Quest
	if err := e.Repo.ReadJSON(e.Repo.QuestFile(repo.StateActive, folder), &q); err != nil {
		return domain.Quest{}, err
	}
	return q, nil
}

// GetQuest reads a quest from whichever storage area holds it.
func (e Engine) GetQuest(folder string) (domain.Quest, error) {
	state, err := e.Repo.LocateQuest(folder)
	if err != nil {
		return domain.Quest{}, err
	}
	var q domain.Quest
	if err := e.Repo.ReadJSON(e.Repo.QuestFile(state, folder), &q); err != nil {
		return domain.Quest{}, err
	}
	return q, nil
}

// SaveQuest stamps updatedAt, rewrites the quest document and the tracker.
func (e Engine) SaveQuest(ctx context.Context, q *domain.Quest) error {
	state, err := e.Repo.LocateQuest(q.Folder)
	if err != nil {
		state = repo.StateActive
	}
	q.UpdatedAt = e.timestamp()
	if err := e.writeQuest(state, q); err != nil {
		return err
	}
	e.updateTracker()
	e.journal(ctx, events.QuestSaved, q.Folder, "quest", q.ID, events.EventPayload{"status": q.Status})
	return nil
}

func (e Engine) writeQuest(state repo.State, q *domain.Quest) error {
	return e.Repo.WriteJSON(e.Repo.QuestFile(state, q.Folder), q)
}

// UpdateQuestStatus sets the quest status, stamping completedAt on completion.
func (e Engine) UpdateQuestStatus(ctx context.Context, folder string, status domain.QuestStatus) (domain.Quest, error) {
	if !status.Valid() {
		return domain.Quest{}, fmt.Errorf("invalid quest status %q", status)
	}
	q, err := e.LoadQuest(folder)
	if err != nil {
		return domain.Quest{}, err
	}
	q.Status = status
	if status == domain.QuestComplete {
		q.CompletedAt = e.timestamp()
	}
	if err := e.SaveQuest(ctx, &q); err != nil {
		return domain.Quest{}, err
	}
	return q, nil
}

// AddExecutionLogEntry appends a timestamped entry to the execution log.
func (e Engine) AddExecutionLogEntry(ctx context.Context, folder string, entry domain.ExecutionLogEntry) error {
	q, err := e.LoadQuest(folder)
	if err != nil {
		return err
	}
	if entry.Timestamp == "" {
		entry.Timestamp = e.timestamp()
	}
	q.ExecutionLog = append(q.ExecutionLog, entry)
	return e.SaveQuest(ctx, &q)
}

// GetActiveQuests lists tracker entries for active quests, newest first.
func (e Engine) GetActiveQuests() []domain.TrackerEntry {
	folders, err := e.Repo.ListQuestFolders(repo.StateActive)
	if err != nil {
		e.log().Warn("list active quests failed", zap.Error(err))
		return nil
	}
	entries := []domain.TrackerEntry{}
	for _, f := range folders {
		q, err := e.LoadQuest(f)
		if err != nil {
			continue
		}
		entries = append(entries, ToTrackerEntry(q))
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].CreatedAt > entries[j].CreatedAt })
	return entries
}

// ListQuests lists tracker entries for the quests stored in state.
func (e Engine) ListQuests(state repo.State) ([]domain.TrackerEntry, error) {
	if state == "" || state == repo.StateActive {
		return e.GetActiveQuests(), nil
	}
	folders, err := e.Repo.ListQuestFolders(state)
	if err != nil {
		return nil, err
	}
	entries := []domain.TrackerEntry{}
	for _, f := range folders {
		q, err := e.readQuestIn(state, f)
		if err != nil {
			continue
		}
		entries = append(entries, ToTrackerEntry(q))
	}
	return entries, nil
}

// ToTrackerEntry projects a quest onto its tracker row.
func ToTrackerEntry(q domain.Quest) domain.TrackerEntry {
	entry := domain.TrackerEntry{
		ID:           q.ID,
		Folder:       q.Folder,
		Title:        q.Title,
		Status:       q.Status,
		CreatedAt:    q.CreatedAt,
		TaskProgress: taskProgress(q.Tasks),
	}
	if p, ok := GetCurrentPhase(q); ok {
		entry.CurrentPhase = p
	}
	return entry
}

func taskProgress(tasks []domain.Task) string {
	done := 0
	for _, t := range tasks {
		if t.Status == domain.TaskComplete {
			done++
		}
	}
	return fmt.Sprintf("%d/%d", done, len(tasks))
}

func (e Engine) updateTracker() {
	active := e.GetActiveQuests()
	tracker := domain.Tracker{
		Updated:      e.timestamp(),
		ActiveQuests: len(active),
		Quests:       active,
	}
	if err := e.Repo.WriteJSON(e.Repo.TrackerPath(), tracker); err != nil {
		e.log().Warn("update quest tracker failed", zap.Error(err))
	}
}

// FindQuest locates a quest by folder name, id, or folder substring across
// all storage areas, preferring exact matches.
func (e Engine) FindQuest(term string) (domain.Quest, repo.State, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return domain.Quest{}, "", fmt.Errorf("quest search term required")
	}
	type candidate struct {
		state  repo.State
		folder string
	}
	var partial []candidate
	for _, s := range repo.States {
		folders, err := e.Repo.ListQuestFolders(s)
		if err != nil {
			return domain.Quest{}, "", err
		}
		for _, f := range folders {
			if f == term || folderQuestID(f) == term {
				q, err := e.readQuestIn(s, f)
				return q, s, err
			}
			if strings.Contains(f, term) {
				partial = append(partial, candidate{s, f})
			}
		}
	}
	if len(partial) == 0 {
		return domain.Quest{}, "", fmt.Errorf("quest %q: %w", term, repo.ErrNotFound)
	}
	q, err := e.readQuestIn(partial[0].state, partial[0].folder)
	return q, partial[0].state, err
}

// folderQuestID strips the NNN- prefix from a quest folder name.
func folderQuestID(folder string) string {
	if i := strings.IndexByte(folder, '-'); i >= 0 {
		return folder[i+1:]
	}
	return folder
}

func (e Engine) readQuestIn(s repo.State, folder string) (domain.Quest, error) {
	var q domain.Quest
	err := e.Repo.ReadJSON(e.Repo.QuestFile(s, folder), &q)
	return q, err
}
