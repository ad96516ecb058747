package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"questmaestro/internal/app"
	"questmaestro/internal/config"
	"questmaestro/internal/console"
)

func discoverCmd() *cobra.Command {
	var (
		standards string
		force     bool
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Analyse the project's packages with voidpoker",
		Long: `Discover runs voidpoker once per package.json in the workspace and writes
its reports under questmaestro/discovery. It runs once per project; use --force
to run it again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				con := console.New()
				if ws.Config.Project.DiscoveryComplete && !force {
					con.Dim("Project discovery already complete. Use --force to run it again.")
					return nil
				}
				if standards == "" {
					answer, err := con.Ask(ctx, "Any directories with coding standards? (leave empty to skip)")
					if err != nil {
						return err
					}
					standards = answer
				}
				con.Title("Project discovery")
				reports, err := ws.Discovery(ws.Spawner(con.Guide)).Run(ctx, ws.Dir, standards)
				if err != nil {
					return err
				}
				if err := config.MarkDiscoveryComplete(ws.Dir); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(reports)
				}
				for _, r := range reports {
					con.Info("%s: %s", r.Dir, r.ReportPath)
				}
				con.Success("Project discovery complete (%d packages)", len(reports))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&standards, "standards", "", "directories holding coding standards")
	cmd.Flags().BoolVar(&force, "force", false, "run discovery even if it already ran")
	return cmd
}

func cleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Delete old completed and abandoned quests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				res, err := ws.Engine.CleanOldQuests(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				console.New().Success("Cleaned: %d completed quests, %d abandoned quests", res.Completed, res.Abandoned)
				return nil
			})
		},
	}
}
