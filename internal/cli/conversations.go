package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/parley/pkg/conversation"
)

func newConversationsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"convs"},
		Short:   "List, inspect, rename and delete conversations",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List conversations, most recently updated first",
			Args:  cobra.NoArgs,
			RunE: a.run(func(cmd *cobra.Command, args []string) error {
				summaries, err := a.mgr.ListConversations(cmd.Context())
				if err != nil {
					return err
				}
				return printSummaries(cmd.OutOrStdout(), summaries)
			}),
		},
		newShowCmd(a),
		&cobra.Command{
			Use:   "rename <conversation> <title>",
			Short: "Rename a conversation",
			Args:  cobra.ExactArgs(2),
			RunE: a.run(func(cmd *cobra.Command, args []string) error {
				conv, err := a.mgr.RenameConversation(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Renamed %s to %q\n", conv.ID, conv.Title)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "delete <conversation>",
			Short: "Delete a conversation",
			Args:  cobra.ExactArgs(1),
			RunE: a.run(func(cmd *cobra.Command, args []string) error {
				if err := a.mgr.DeleteConversation(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
				return nil
			}),
		},
	)
	return cmd
}

func newShowCmd(a *app) *cobra.Command {
	var (
		branch string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "show <conversation>",
		Short: "Print the history visible from a branch",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			conv, err := a.mgr.GetConversation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(conv)
			}
			return printConversation(cmd.OutOrStdout(), conv, branch)
		}),
	}
	cmd.Flags().StringVar(&branch, "branch", conversation.MainBranchID, "branch to resolve")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the whole conversation as JSON")
	return cmd
}

func newNewCmd(a *app) *cobra.Command {
	var system string
	cmd := &cobra.Command{
		Use:   "new <title>",
		Short: "Start a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			conv, err := a.mgr.CreateConversation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if system == "" {
				system = a.cfg.Defaults.SystemPrompt
			}
			if system != "" {
				if _, err := a.mgr.AddSystemMessage(cmd.Context(), conv.ID, system); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), conv.ID)
			return nil
		}),
	}
	cmd.Flags().StringVar(&system, "system", "", "system message (default from defaults.system_prompt)")
	return cmd
}

func printSummaries(w io.Writer, summaries []conversation.Summary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tMESSAGES\tBRANCHES\tUPDATED")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", s.ID, s.Title, s.MessageCount, s.Branches, s.UpdatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

// printConversation writes each visible message and the response the branch
// selects for it.
func printConversation(w io.Writer, conv *conversation.Conversation, branchID string) error {
	history, err := conversation.ResolveHistory(conv, branchID, -1)
	if err != nil {
		return err
	}
	label := ""
	if branchID != conversation.MainBranchID {
		label = branchID
	}

	fmt.Fprintf(w, "%s (%s) branch %s\n", conv.Title, conv.ID, branchID)
	for _, msg := range history {
		fmt.Fprintf(w, "\n[%s] %s %s\n", msg.ID, msg.Role, msg.Text)
		for _, att := range msg.Attachments {
			fmt.Fprintf(w, "  attachment %s (%s)\n", att.ID, att.ContentType)
		}
		resp := msg.ActiveResponse(label)
		if resp == nil {
			continue
		}
		tag := resp.Model
		if resp.Label != "" {
			tag += ", " + resp.Label
		}
		fmt.Fprintf(w, "  -> (%s) %s\n", tag, indent(resp.Text, "     "))
		for _, tu := range resp.ToolUses {
			fmt.Fprintf(w, "     tool %s %s\n", tu.Name, formatInput(tu.Input))
		}
		if n := len(msg.Responses); n > 1 {
			fmt.Fprintf(w, "     %d alternatives\n", n)
		}
	}
	return nil
}

func indent(text, prefix string) string {
	return strings.ReplaceAll(strings.TrimRight(text, "\n"), "\n", "\n"+prefix)
}
