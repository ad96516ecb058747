package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"questmaestro/internal/app"
	"questmaestro/internal/console"
	"questmaestro/internal/domain"
	"questmaestro/internal/engine"
	"questmaestro/internal/repo"
)

func newCmd() *cobra.Command {
	var request string
	var run bool
	cmd := &cobra.Command{
		Use:   "new <title>",
		Short: "Create a quest",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			title := strings.Join(args, " ")
			if request == "" {
				request = title
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				q, err := ws.Engine.CreateNewQuest(ctx, title, request)
				if err != nil {
					return err
				}
				if !run {
					if viper.GetBool("json") {
						return printJSON(q)
					}
					console.New().Success("Created quest %s", q.Folder)
					return nil
				}
				return runQuest(ctx, ws, q)
			})
		},
	}
	cmd.Flags().StringVar(&request, "request", "", "original user request (defaults to the title)")
	cmd.Flags().BoolVar(&run, "run", false, "start the quest right away")
	return cmd
}

func listCmd() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List quests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.ListQuests(repo.State(state))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Folder", "Title", "Status", "Phase", "Tasks", "Created"})
				for _, q := range items {
					tw.AppendRow(table.Row{q.Folder, q.Title, q.Status, q.CurrentPhase, q.TaskProgress, q.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", string(repo.StateActive), "active, completed or abandoned")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <quest>",
		Short: "Show a quest's phases and tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				q, state, err := ws.Engine.FindQuest(args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(q)
				}
				con := console.New()
				con.Title("%s (%s, %s)", q.Title, q.Folder, state)
				if fresh := ws.Engine.ValidateQuestFreshness(q); fresh.IsStale {
					con.Warn("%s", fresh.Message)
				}
				if q.NeedsRefinement {
					con.Warn("Quest needs refinement")
				}
				for _, e := range q.BlockingErrors {
					con.Error("blocked: %s", e)
				}

				phases := newTable()
				phases.AppendHeader(table.Row{"Phase", "Status", "Report", "Progress"})
				for _, p := range domain.PhaseOrder {
					ph := q.Phases.Get(p)
					phases.AppendRow(table.Row{p, ph.Status, ph.Report, ph.Progress})
				}
				phases.Render()

				if len(q.Tasks) == 0 {
					return nil
				}
				fmt.Println()
				tasks := newTable()
				tasks.AppendHeader(table.Row{"ID", "Name", "Type", "Status", "Depends on"})
				for _, t := range q.Tasks {
					tasks.AppendRow(table.Row{t.ID, t.Name, t.Type, t.Status, strings.Join(t.Dependencies, ", ")})
				}
				tasks.Render()
				return nil
			})
		},
	}
}

func nextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "next <quest>",
		Short: "List tasks ready to run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				q, err := activeQuest(ws, args[0])
				if err != nil {
					return err
				}
				tasks := engine.NextTasks(q)
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Type", "Description"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Name, t.Type, t.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func abandonCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "abandon <quest>",
		Short: "Abandon an active quest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				q, err := activeQuest(ws, args[0])
				if err != nil {
					return err
				}
				q, err = ws.Engine.AbandonQuest(ctx, q.Folder, reason)
				if err != nil {
					return err
				}
				console.New().Warn("Abandoned quest %s", q.Folder)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the quest is abandoned")
	return cmd
}

func retroCmd() *cobra.Command {
	var save bool
	cmd := &cobra.Command{
		Use:   "retro <quest>",
		Short: "Render a quest retrospective",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				q, _, err := ws.Engine.FindQuest(args[0])
				if err != nil {
					return err
				}
				content, err := ws.Engine.GenerateRetrospective(q.Folder)
				if err != nil {
					return err
				}
				if !save {
					fmt.Print(content)
					return nil
				}
				name, err := ws.Engine.SaveRetrospective(ctx, q.Folder, content)
				if err != nil {
					return err
				}
				console.New().Success("Saved retrospective %s", name)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&save, "save", false, "write the retrospective to the retros folder")
	return cmd
}

// activeQuest resolves term to a quest in the active area.
func activeQuest(ws *app.Workspace, term string) (domain.Quest, error) {
	q, state, err := ws.Engine.FindQuest(term)
	if err != nil {
		return domain.Quest{}, err
	}
	if state != repo.StateActive {
		return domain.Quest{}, fmt.Errorf("quest %s is %s, not active", q.Folder, state)
	}
	return q, nil
}
