package cli

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/harun/parley/pkg/conversation"
	"github.com/harun/parley/pkg/errs"
	"github.com/harun/parley/pkg/provider"
)

// generationFlags are shared by the commands that call a model.
type generationFlags struct {
	model         string
	temperature   float64
	maxTokens     int
	maxIterations int
}

func (f *generationFlags) bind(cmd *cobra.Command, modelHelp string) {
	cmd.Flags().StringVar(&f.model, "model", "", modelHelp)
	cmd.Flags().Float64Var(&f.temperature, "temperature", -1, "sampling temperature (default from defaults.temperature)")
	cmd.Flags().IntVar(&f.maxTokens, "max-tokens", 0, "response token limit (default from defaults.max_tokens)")
	cmd.Flags().IntVar(&f.maxIterations, "max-iterations", 0, "tool chain round budget (default from chain.max_iterations)")
}

func (f *generationFlags) params(a *app) provider.Params {
	p := provider.Params{
		Temperature:   a.cfg.Defaults.Temperature,
		MaxTokens:     a.cfg.Defaults.MaxTokens,
		MaxIterations: f.maxIterations,
	}
	if f.temperature >= 0 {
		p.Temperature = f.temperature
	}
	if f.maxTokens > 0 {
		p.MaxTokens = f.maxTokens
	}
	return p
}

func newSayCmd(a *app) *cobra.Command {
	var (
		branch  string
		attach  []string
		genOpts generationFlags
	)
	cmd := &cobra.Command{
		Use:   "say <conversation> <text>",
		Short: "Add a message to a branch and generate a response",
		Args:  cobra.ExactArgs(2),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			attachments, err := readAttachments(attach)
			if err != nil {
				return err
			}
			model := genOpts.model
			if model == "" {
				model = a.cfg.Defaults.Model
			}

			msg, resp, err := a.mgr.SendMessage(cmd.Context(), args[0], branch, a.cfg.Defaults.UserID,
				args[1], attachments, model, genOpts.params(a))
			if msg != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "message %s\n", msg.ID)
			}
			if err != nil {
				resp, err = a.settlePending(cmd, err)
				if err != nil {
					return err
				}
			}
			printResponse(cmd.OutOrStdout(), resp)
			return nil
		}),
	}
	cmd.Flags().StringVar(&branch, "branch", conversation.MainBranchID, "branch to append to")
	cmd.Flags().StringArrayVar(&attach, "attach", nil, "file to attach (repeatable)")
	genOpts.bind(cmd, "model to answer with (default from defaults.model)")
	return cmd
}

func newRegenerateCmd(a *app) *cobra.Command {
	var (
		branch    string
		newBranch bool
		genOpts   generationFlags
	)
	cmd := &cobra.Command{
		Use:   "regenerate <conversation> <message>",
		Short: "Generate another response for a message",
		Long: `Generate another response for a message visible from --branch.

Without --new-branch the response is added as a labelled alternative. With
--new-branch a branch is forked right before the message and the response
continues on it.`,
		Args: cobra.ExactArgs(2),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			b, msg, err := a.mgr.RegenerateResponse(cmd.Context(), args[0], branch, args[1],
				genOpts.model, newBranch, genOpts.params(a))
			if err != nil {
				resp, err := a.settlePending(cmd, err)
				if err != nil {
					return err
				}
				printResponse(cmd.OutOrStdout(), resp)
				return nil
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "branch %s message %s\n", b.ID, msg.ID)
			printResponse(cmd.OutOrStdout(), msg.Responses[len(msg.Responses)-1])
			return nil
		}),
	}
	cmd.Flags().StringVar(&branch, "branch", conversation.MainBranchID, "branch the message is visible from")
	cmd.Flags().BoolVar(&newBranch, "new-branch", false, "fork a branch for the new response")
	genOpts.bind(cmd, "model to answer with (default is the model of the first response)")
	return cmd
}

// settlePending asks for every call of a suspended turn and resumes it until
// it completes. Errors other than a pending approval pass through.
func (a *app) settlePending(cmd *cobra.Command, err error) (*conversation.Response, error) {
	prompt := newPromptApprover(cmd.InOrStdin(), cmd.ErrOrStderr())
	for {
		var pending *errs.PendingApprovalError
		if !errors.As(err, &pending) {
			return nil, err
		}
		decisions := make(map[string]bool, len(pending.CallIDs))
		for i, id := range pending.CallIDs {
			ok, askErr := prompt.ask(cmd.Context(), fmt.Sprintf("Run %s (%s)?", pending.Tools[i], id))
			if askErr != nil {
				return nil, askErr
			}
			decisions[id] = ok
		}

		var resp *conversation.Response
		resp, err = a.mgr.ResumeResponse(cmd.Context(), pending.Token, decisions)
		if err == nil {
			return resp, nil
		}
	}
}

func printResponse(w io.Writer, resp *conversation.Response) {
	fmt.Fprintln(w, resp.Text)
	md := resp.Metadata
	notes := []string{resp.Model, fmt.Sprintf("%d in / %d out tokens", md.InputTokens, md.OutputTokens)}
	if resp.Label != "" {
		notes = append(notes, "label "+resp.Label)
	}
	if md.Iterations > 1 {
		notes = append(notes, fmt.Sprintf("%d rounds", md.Iterations))
	}
	if md.Truncated {
		notes = append(notes, "truncated")
	}
	if md.LoopDetected {
		notes = append(notes, "loop detected")
	}
	fmt.Fprintf(w, "-- %s\n", strings.Join(notes, ", "))
}

func readAttachments(paths []string) ([]conversation.Attachment, error) {
	out := make([]conversation.Attachment, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read attachment: %w", err)
		}
		contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
		if contentType == "" {
			contentType = http.DetectContentType(data)
		}
		if i := strings.IndexByte(contentType, ';'); i >= 0 {
			contentType = contentType[:i]
		}
		out = append(out, conversation.Attachment{
			ID:          uuid.New().String(),
			ContentType: contentType,
			Payload:     base64.StdEncoding.EncodeToString(data),
			SourceType:  conversation.SourceBase64,
		})
	}
	return out, nil
}
