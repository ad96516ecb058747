package app

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"questmaestro/internal/agent"
	"questmaestro/internal/config"
	"questmaestro/internal/db"
	"questmaestro/internal/domain"
	"questmaestro/internal/engine"
	"questmaestro/internal/logging"
	"questmaestro/internal/migrate"
	"questmaestro/internal/orchestrator"
	"questmaestro/internal/pathseeker"
	"questmaestro/internal/project"
	"questmaestro/internal/repo"
	"questmaestro/internal/verify"
	"questmaestro/internal/ward"
)

// Workspace is an opened questmaestro workspace: its config, journal and the
// quest manager over its quest storage.
type Workspace struct {
	Dir    string
	Config *config.Config
	DB     *sql.DB
	Engine engine.Engine
	Log    *zap.Logger
}

// Open loads the workspace config (defaults when questmaestro.yml is absent),
// opens and migrates the journal and ensures the quest layout exists.
func Open(ctx context.Context, dir string, log *zap.Logger) (*Workspace, error) {
	if dir == "" {
		dir = "."
	}
	log = logging.OrNop(log)
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	r := repo.Repo{Root: cfg.RootDir(dir), DB: conn}
	if err := r.EnsureLayout(); err != nil {
		conn.Close()
		return nil, err
	}
	return &Workspace{
		Dir:    dir,
		Config: cfg,
		DB:     conn,
		Engine: engine.New(r, cfg, log),
		Log:    log,
	}, nil
}

func (w *Workspace) Close() error {
	if w.DB == nil {
		return nil
	}
	return w.DB.Close()
}

// Path resolves a workspace-relative path.
func (w *Workspace) Path(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(w.Dir, p)
}

// Spawner runs agents through the configured CLI. guide may be nil.
func (w *Workspace) Spawner(guide agent.GuideFunc) agent.ClaudeSpawner {
	cfg := *w.Config
	cfg.Agents.PromptsDir = w.Path(cfg.Agents.PromptsDir)
	return agent.ClaudeSpawner{Repo: w.Engine.Repo, Config: &cfg, Log: w.Log, Guide: guide, Recovery: w.Engine}
}

// WardCommand is the configured ward command, or the one detected from the
// workspace package.json when ward.auto_detect is on.
func (w *Workspace) WardCommand() string {
	if w.Config.Ward.Command != "" || !w.Config.Ward.AutoDetect {
		return w.Config.Ward.Command
	}
	return project.WardCommand(w.Dir)
}

func (w *Workspace) Ward(spawner agent.Spawner) ward.Validator {
	return ward.Validator{Engine: w.Engine, Spawner: spawner, Log: w.Log, Command: w.WardCommand(), Dir: w.Dir}
}

// Discovery runs voidpoker over the workspace's packages.
func (w *Workspace) Discovery(spawner agent.Spawner) project.Discovery {
	return project.Discovery{Repo: w.Engine.Repo, Spawner: spawner, Log: w.Log}
}

// Orchestrator wires the phase runners, ward and prompter for a quest run.
func (w *Workspace) Orchestrator(spawner agent.Spawner, prompter orchestrator.Prompter) orchestrator.Orchestrator {
	return orchestrator.Orchestrator{
		Engine:   w.Engine,
		Spawner:  spawner,
		Ward:     w.Ward(spawner),
		Prompter: prompter,
		Log:      w.Log,
	}
}

func (w *Workspace) Verifier() verify.Verifier {
	return verify.Verifier{Config: w.Config, Log: w.Log}
}

// Pipeline supervises pathseeker runs started from this workspace.
func (w *Workspace) Pipeline(onLine func(processID, line string)) (pathseeker.Pipeline, pathseeker.ChildSpawner) {
	child := pathseeker.ChildSpawner{
		Binary: w.Config.AgentBinary(),
		Dir:    w.Dir,
		Log:    w.Log,
		OnLine: onLine,
	}
	template, err := agent.LoadPrompt(w.Path(w.Config.Agents.PromptsDir), domain.AgentPathseeker)
	if err != nil {
		w.Log.Debug("using built-in pathseeker prompt", zap.Error(err))
		template = pathseeker.DefaultPrompt
	}
	return pathseeker.Pipeline{
		Verifier:       w.Verifier(),
		Spawner:        child,
		PromptTemplate: template,
		MaxAttempts:    w.Config.Pathseeker.MaxAttempts,
		Journal:        w.Engine.Events,
		Log:            w.Log,
	}, child
}
