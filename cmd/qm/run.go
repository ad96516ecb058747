package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"questmaestro/internal/app"
	"questmaestro/internal/console"
	"questmaestro/internal/domain"
	"questmaestro/internal/orchestrator"
	"questmaestro/internal/pathseeker"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <quest>",
		Short: "Drive a quest through its remaining phases",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				q, err := activeQuest(ws, args[0])
				if err != nil {
					return err
				}
				return runQuest(ctx, ws, q)
			})
		},
	}
}

func runQuest(ctx context.Context, ws *app.Workspace, q domain.Quest) error {
	con := console.New()
	if !ws.Config.Project.DiscoveryComplete {
		con.Warn("Project discovery has not run. Run 'qm discover' so agents know the codebase.")
	}
	con.Title("Quest %s: %s", q.Folder, q.Title)
	orch := ws.Orchestrator(ws.Spawner(con.Guide), con)
	outcome, err := orch.RunQuest(ctx, q)
	switch {
	case errors.Is(err, orchestrator.ErrQuestBlocked):
		con.Error("Quest %s is blocked. Run 'qm status %s' for details.", q.Folder, q.Folder)
		return err
	case err != nil:
		return err
	}
	switch outcome {
	case orchestrator.OutcomeComplete:
		con.Success("Quest %s complete", q.Folder)
	case orchestrator.OutcomeCancelled:
		con.Dim("Quest %s left as is", q.Folder)
	}
	return nil
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <quest-id>",
		Short: "Check a quest's specification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				res, err := ws.Verifier().Verify(ctx, ws.Dir, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if err := printJSON(res); err != nil {
						return err
					}
				} else {
					pass := color.New(color.FgGreen).SprintFunc()
					fail := color.New(color.FgRed).SprintFunc()
					tw := newTable()
					tw.AppendHeader(table.Row{"Check", "Result", "Details"})
					for _, c := range res.Checks {
						result := pass("pass")
						if !c.Passed {
							result = fail("fail")
						}
						tw.AppendRow(table.Row{c.Name, result, c.Details})
					}
					tw.Render()
				}
				if !res.Success {
					return fmt.Errorf("quest %s failed verification", res.Folder)
				}
				return nil
			})
		},
	}
}

func pipelineCmd() *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "pipeline <quest-id>",
		Short: "Run pathseeker until the quest passes verification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			questID := args[0]
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				con := console.New()
				onLine := func(processID, line string) {
					if !quiet {
						con.Dim("[%s] %s", processID, line)
					}
				}
				pipeline, child := ws.Pipeline(onLine)
				proc, err := child.Start(ctx, pathseeker.SpawnOptions{
					Prompt: pathseeker.Prompt(pipeline.PromptTemplate, questID, nil),
				})
				if err != nil {
					return err
				}
				verified := false
				err = pipeline.Run(ctx, pathseeker.Params{
					ProcessID:       proc.ID,
					QuestID:         questID,
					StartPath:       ws.Dir,
					Process:         proc,
					OnVerifySuccess: func() { verified = true },
					OnProcessUpdate: func(u pathseeker.ProcessUpdate) {
						con.Warn("Verification failed, restarting pathseeker (%s)", u.ProcessID)
					},
				})
				if err != nil {
					return err
				}
				if !verified {
					return fmt.Errorf("quest %s still fails verification after %d attempts", questID, pipeline.MaxAttempts)
				}
				con.Success("Quest %s verified", questID)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "hide agent output")
	return cmd
}
