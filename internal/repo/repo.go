package repo

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"questmaestro/internal/domain"
)

// Repo is the on-disk quest store. Root is the quest root folder; DB is the
// optional event journal.
type Repo struct {
	Root string
	DB   *sql.DB
}

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// State is a storage area a quest folder lives in.
type State string

const (
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateAbandoned State = "abandoned"
)

var States = []State{StateActive, StateCompleted, StateAbandoned}

const (
	questFileName   = "quest.json"
	trackerFileName = "quest-tracker.json"
	retrosDirName   = "retros"
	discoveryDir    = "discovery"
)

var (
	questFolderPattern = regexp.MustCompile(`^(\d{3,})-`)
	reportFilePattern  = regexp.MustCompile(`^(\d{3,})-([a-z]+)-report\.json$`)
)

// EnsureLayout creates the root and its storage areas.
func (r Repo) EnsureLayout() error {
	dirs := []string{r.Root, r.RetrosDir(), r.DiscoveryDir()}
	for _, s := range States {
		dirs = append(dirs, r.StateDir(s))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("failed to create folder %s: %w", d, err)
		}
	}
	return nil
}

func (r Repo) StateDir(s State) string {
	return filepath.Join(r.Root, string(s))
}

func (r Repo) QuestDir(s State, folder string) string {
	return filepath.Join(r.StateDir(s), folder)
}

func (r Repo) QuestFile(s State, folder string) string {
	return filepath.Join(r.QuestDir(s, folder), questFileName)
}

func (r Repo) TrackerPath() string {
	return filepath.Join(r.Root, trackerFileName)
}

func (r Repo) RetrosDir() string {
	return filepath.Join(r.Root, retrosDirName)
}

// DiscoveryDir holds the voidpoker project reports.
func (r Repo) DiscoveryDir() string {
	return filepath.Join(r.Root, discoveryDir)
}

// ReadJSON decodes the file at path into v. A missing file yields ErrNotFound.
func (r Repo) ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return fmt.Errorf("failed to read JSON file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse JSON file %s: %w", path, err)
	}
	return nil
}

// WriteJSON writes v as indented JSON, replacing the file atomically.
func (r Repo) WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to write JSON file %s: %w", path, err)
	}
	if err := writeFileAtomic(path, append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write JSON file %s: %w", path, err)
	}
	return nil
}

// WriteText writes content to path, creating parent folders.
func (r Repo) WriteText(path, content string) error {
	if err := writeFileAtomic(path, []byte(content)); err != nil {
		return fmt.Errorf("failed to write file %s: %w", path, err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// NextQuestNumber returns one past the highest folder number in any state.
func (r Repo) NextQuestNumber() (int, error) {
	highest := 0
	for _, s := range States {
		folders, err := r.ListQuestFolders(s)
		if err != nil {
			return 0, err
		}
		for _, f := range folders {
			m := questFolderPattern.FindStringSubmatch(f)
			if m == nil {
				continue
			}
			n, _ := strconv.Atoi(m[1])
			if n > highest {
				highest = n
			}
		}
	}
	return highest + 1, nil
}

// CreateQuestFolder creates an empty active quest folder.
func (r Repo) CreateQuestFolder(folder string) error {
	dir := r.QuestDir(StateActive, folder)
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("quest folder %s: %w", folder, ErrAlreadyExists)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create quest folder %s: %w", folder, err)
	}
	return nil
}

// ListQuestFolders lists quest folders in a state, sorted by name.
func (r Repo) ListQuestFolders(s State) ([]string, error) {
	entries, err := os.ReadDir(r.StateDir(s))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var res []string
	for _, e := range entries {
		if e.IsDir() {
			res = append(res, e.Name())
		}
	}
	sort.Strings(res)
	return res, nil
}

// LocateQuest returns the state whose area holds folder.
func (r Repo) LocateQuest(folder string) (State, error) {
	for _, s := range States {
		if _, err := os.Stat(r.QuestFile(s, folder)); err == nil {
			return s, nil
		}
	}
	return "", fmt.Errorf("quest %s: %w", folder, ErrNotFound)
}

// MoveQuestFolder relocates a quest folder between storage areas.
func (r Repo) MoveQuestFolder(folder string, from, to State) error {
	src := r.QuestDir(from, folder)
	dst := r.QuestDir(to, folder)
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("quest %s in %s: %w", folder, from, ErrNotFound)
		}
		return err
	}
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("quest %s in %s: %w", folder, to, ErrAlreadyExists)
	}
	if err := os.MkdirAll(r.StateDir(to), 0o755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("move quest %s: %w", folder, err)
	}
	return nil
}

// RemoveQuestFolder deletes a quest folder and everything in it.
func (r Repo) RemoveQuestFolder(s State, folder string) error {
	dir := r.QuestDir(s, folder)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("quest %s in %s: %w", folder, s, ErrNotFound)
		}
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove quest %s: %w", folder, err)
	}
	return nil
}

// ReportFile is a numbered agent report inside a quest folder.
type ReportFile struct {
	Name   string
	Number int
	Agent  domain.AgentType
	Path   string
}

// ListReports returns the agent reports of a quest, in number order.
func (r Repo) ListReports(folder string) ([]ReportFile, error) {
	state, err := r.LocateQuest(folder)
	if err != nil {
		state = StateActive
	}
	dir := r.QuestDir(state, folder)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var res []ReportFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := reportFilePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		res = append(res, ReportFile{
			Name:   e.Name(),
			Number: n,
			Agent:  domain.AgentType(m[2]),
			Path:   filepath.Join(dir, e.Name()),
		})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Number < res[j].Number })
	return res, nil
}

// ReadReport decodes a report file.
func (r Repo) ReadReport(path string) (domain.AgentReport, error) {
	var rep domain.AgentReport
	err := r.ReadJSON(path, &rep)
	return rep, err
}

// ReportFileName formats the canonical report name.
func ReportFileName(number string, agent domain.AgentType) string {
	return fmt.Sprintf("%s-%s-report.json", number, agent)
}
