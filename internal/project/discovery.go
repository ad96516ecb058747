package project

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"questmaestro/internal/agent"
	"questmaestro/internal/domain"
	"questmaestro/internal/logging"
	"questmaestro/internal/repo"
)

// DiscoveryFolder is the pseudo quest folder voidpoker reports under.
const DiscoveryFolder = "discovery"

// Discovery sends voidpoker through every package of a project, one at a
// time, leaving one report per package in the discovery folder.
type Discovery struct {
	Repo    repo.Repo
	Spawner agent.Spawner
	Log     *zap.Logger
	Now     func() time.Time
}

// PackageReport is voidpoker's result for one package.
type PackageReport struct {
	Dir        string             `json:"dir"`
	ReportPath string             `json:"reportPath"`
	Report     domain.AgentReport `json:"report"`
}

func (d Discovery) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Run analyses each package found under root. standards names directories
// with coding standards the user wants honoured.
func (d Discovery) Run(ctx context.Context, root, standards string) ([]PackageReport, error) {
	log := logging.OrNop(d.Log)
	pkgs, err := FindPackages(root)
	if err != nil {
		return nil, err
	}
	if len(pkgs) == 0 {
		return nil, fmt.Errorf("%s: %w", root, ErrNoPackages)
	}
	if err := os.MkdirAll(d.Repo.DiscoveryDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create discovery folder: %w", err)
	}
	log.Info("project discovery started", zap.Int("packages", len(pkgs)))

	var out []PackageReport
	for _, pkg := range pkgs {
		stamp := strings.NewReplacer(":", "-", ".", "-").Replace(d.now().UTC().Format("2006-01-02T15:04:05.000Z"))
		dir, err := filepath.Abs(pkg.Dir)
		if err != nil {
			dir = pkg.Dir
		}
		reportPath := filepath.Join(d.Repo.DiscoveryDir(), fmt.Sprintf("voidpoker-%s-%s-report.json", stamp, filepath.Base(dir)))
		log.Info("analysing package", zap.String("dir", dir))
		rep, err := d.Spawner.SpawnAndWait(ctx, domain.AgentVoidpoker, agent.Context{
			QuestFolder:      DiscoveryFolder,
			ReportNumber:     stamp,
			ReportPath:       reportPath,
			WorkingDirectory: dir,
			AdditionalContext: map[string]any{
				"discoveryType":   "Project Analysis",
				"packageLocation": dir,
				"userStandards":   standards,
				"reportPath":      reportPath,
			},
		})
		if err != nil {
			return out, fmt.Errorf("voidpoker %s: %w", dir, err)
		}
		out = append(out, PackageReport{Dir: dir, ReportPath: reportPath, Report: rep})
	}
	return out, nil
}
