package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/harun/parley/pkg/conversation"
)

func newModelsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List models with their capabilities and usage",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "MODEL\tPROVIDER\tIMAGES\tTOOLS\tCONTEXT\tCALLS\tSUCCESS\tAVG LATENCY")
			for _, m := range a.mgr.Models() {
				images := "-"
				if m.Capabilities.SupportsImages {
					images = "yes"
					if types := m.Capabilities.SupportedImageTypes; len(types) > 0 {
						images = strings.Join(types, ",")
					}
				}
				tools := "-"
				if m.Capabilities.SupportsFunctionCalling {
					tools = "yes"
				}
				context := "unlimited"
				if m.Capabilities.ContextLimit > 0 {
					context = fmt.Sprint(m.Capabilities.ContextLimit)
				}
				stats, err := a.mgr.UsageStats(m.ID)
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%.0f%%\t%s\n", m.ID, m.Provider, images, tools, context,
					stats.Calls, stats.SuccessRate()*100, stats.AverageLatency)
			}
			return tw.Flush()
		}),
	}
}

func newCompatCmd(a *app) *cobra.Command {
	var branch string
	cmd := &cobra.Command{
		Use:   "compat <conversation> <model>",
		Short: "Report how well a branch fits a model",
		Args:  cobra.ExactArgs(2),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			report, err := a.mgr.AnalyzeCompatibility(cmd.Context(), args[0], branch, args[1])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}),
	}
	cmd.Flags().StringVar(&branch, "branch", conversation.MainBranchID, "branch to analyze")
	return cmd
}

func newToolsCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List registered tools",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TOOL\tCATEGORY\tACTIVE\tAPPROVAL\tDESCRIPTION")
			for _, d := range a.tools.ListAvailable(!all) {
				active := "yes"
				if !a.tools.IsActive(d.Name) {
					active = "no"
				}
				approval := "-"
				if a.tools.RequiresApproval(d.Name) {
					approval = "required"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.Name, d.Category, active, approval, d.Description)
			}
			return tw.Flush()
		}),
	}
	cmd.Flags().BoolVar(&all, "all", false, "include disabled tools")
	return cmd
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print conversation statistics as JSON",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			stats, err := a.mgr.ConversationStats(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		}),
	}
}
