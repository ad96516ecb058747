package engine

import (
	"fmt"

	"go.uber.org/zap"

	"questmaestro/internal/domain"
	"questmaestro/internal/repo"
)

// NextReportNumber returns the next report index, zero-padded to three digits.
func (e Engine) NextReportNumber(folder string) (string, error) {
	reports, err := e.Repo.ListReports(folder)
	if err != nil {
		return "", err
	}
	highest := 0
	for _, r := range reports {
		if r.Number > highest {
			highest = r.Number
		}
	}
	return fmt.Sprintf("%03d", highest+1), nil
}

// LoadedReport pairs a parsed report with its file.
type LoadedReport struct {
	File   repo.ReportFile
	Report domain.AgentReport
}

// Reports parses every report file of a quest, skipping unreadable ones.
func (e Engine) Reports(folder string) ([]LoadedReport, error) {
	files, err := e.Repo.ListReports(folder)
	if err != nil {
		return nil, err
	}
	var res []LoadedReport
	for _, f := range files {
		rep, err := e.Repo.ReadReport(f.Path)
		if err != nil {
			e.log().Warn("skip unreadable report", zap.String("file", f.Name), zap.Error(err))
			continue
		}
		if rep.AgentType == "" {
			rep.AgentType = f.Agent
		}
		res = append(res, LoadedReport{File: f, Report: rep})
	}
	return res, nil
}

// GetCreatedFiles unions filesCreated across codeweaver reports.
func (e Engine) GetCreatedFiles(folder string) ([]string, error) {
	return e.codeweaverFiles(folder, false)
}

// GetChangedFiles unions filesCreated and filesModified across codeweaver reports.
func (e Engine) GetChangedFiles(folder string) ([]string, error) {
	return e.codeweaverFiles(folder, true)
}

func (e Engine) codeweaverFiles(folder string, includeModified bool) ([]string, error) {
	reports, err := e.Reports(folder)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	res := []string{}
	add := func(files []string) {
		for _, f := range files {
			if f == "" || seen[f] {
				continue
			}
			seen[f] = true
			res = append(res, f)
		}
	}
	for _, lr := range reports {
		if lr.Report.AgentType != domain.AgentCodeweaver {
			continue
		}
		payload, err := lr.Report.Codeweaver()
		if err != nil {
			e.log().Warn("skip malformed codeweaver report", zap.String("file", lr.File.Name), zap.Error(err))
			continue
		}
		add(payload.FilesCreated)
		if includeModified {
			add(payload.FilesModified)
		}
	}
	return res, nil
}
