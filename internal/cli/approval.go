package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/harun/parley/pkg/toolexecutor"
)

// promptApprover asks on the terminal before a gated tool runs.
type promptApprover struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

func newPromptApprover(in io.Reader, out io.Writer) *promptApprover {
	return &promptApprover{in: bufio.NewReader(in), out: out}
}

func (p *promptApprover) RequestApproval(ctx context.Context, req toolexecutor.ApprovalRequest) (toolexecutor.ApprovalResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	approved, err := p.ask(ctx, fmt.Sprintf("Run %s %s?", req.Tool, formatInput(req.Input)))
	if err != nil {
		return toolexecutor.ApprovalResponse{}, err
	}
	resp := toolexecutor.ApprovalResponse{Approved: approved, Actor: "terminal"}
	if !approved {
		resp.Reason = "denied at the terminal"
	}
	return resp, nil
}

// ask reads one y/n answer. EOF counts as no.
func (p *promptApprover) ask(ctx context.Context, question string) (bool, error) {
	fmt.Fprintf(p.out, "%s [y/N] ", question)

	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := p.in.ReadString('\n')
		ch <- answer{line, err}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(p.out)
		return false, ctx.Err()
	case a := <-ch:
		if a.err != nil && a.err != io.EOF {
			return false, a.err
		}
		switch strings.ToLower(strings.TrimSpace(a.line)) {
		case "y", "yes":
			return true, nil
		}
		return false, nil
	}
}

func formatInput(input map[string]interface{}) string {
	if len(input) == 0 {
		return "{}"
	}
	data, err := json.Marshal(input)
	if err != nil {
		return fmt.Sprintf("%v", input)
	}
	return string(data)
}
