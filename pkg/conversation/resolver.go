package conversation

import (
	"errors"
	"fmt"

	"github.com/harun/parley/pkg/errs"
)

// MaxBranchDepth bounds the number of ancestors ResolveHistory will walk.
const MaxBranchDepth = 64

type segment struct {
	branch *Branch
	limit  int
}

// ResolveHistory returns the linear message history visible from a branch:
// the parent's first BranchPoint messages, recursively, followed by the
// branch's own messages up to upTo (exclusive). A negative upTo means the end
// of the branch; an upTo beyond the end is clamped.
//
// The returned slice is freshly allocated but shares the *Message values of
// conv. Callers that mutate messages must copy them first.
func ResolveHistory(conv *Conversation, branchID string, upTo int) ([]*Message, error) {
	start, ok := conv.Branches[branchID]
	if !ok {
		return nil, errs.BranchNotFound(branchID)
	}

	limit := len(start.Messages)
	if upTo >= 0 && upTo < limit {
		limit = upTo
	}

	chain := []segment{{branch: start, limit: limit}}
	visited := map[string]bool{start.ID: true}
	current := start
	total := limit

	for current.ParentID != "" {
		if len(chain) > MaxBranchDepth {
			return nil, &errs.StructuralError{
				ConversationID: conv.ID,
				BranchID:       branchID,
				Reason:         fmt.Sprintf("branch ancestry deeper than %d", MaxBranchDepth),
			}
		}
		parent, ok := conv.Branches[current.ParentID]
		if !ok {
			return nil, &errs.StructuralError{
				ConversationID: conv.ID,
				BranchID:       current.ID,
				Reason:         fmt.Sprintf("parent branch %s does not exist", current.ParentID),
			}
		}
		if visited[parent.ID] {
			return nil, &errs.StructuralError{
				ConversationID: conv.ID,
				BranchID:       current.ID,
				Reason:         fmt.Sprintf("parent cycle through branch %s", parent.ID),
			}
		}
		if current.BranchPoint < 0 || current.BranchPoint > len(parent.Messages) {
			return nil, &errs.StructuralError{
				ConversationID: conv.ID,
				BranchID:       current.ID,
				Reason:         fmt.Sprintf("branch point %d outside parent %s with %d messages", current.BranchPoint, parent.ID, len(parent.Messages)),
			}
		}

		visited[parent.ID] = true
		chain = append(chain, segment{branch: parent, limit: current.BranchPoint})
		total += current.BranchPoint
		current = parent
	}

	if current.ID != MainBranchID {
		return nil, &errs.StructuralError{
			ConversationID: conv.ID,
			BranchID:       current.ID,
			Reason:         "branch ancestry does not reach main",
		}
	}

	history := make([]*Message, 0, total)
	for i := len(chain) - 1; i >= 0; i-- {
		seg := chain[i]
		history = append(history, seg.branch.Messages[:seg.limit]...)
	}
	return history, nil
}

// HistoryThrough resolves the history visible from branchID up to and
// including the given message. The message must be on the resolved path.
func HistoryThrough(conv *Conversation, branchID, messageID string) ([]*Message, error) {
	history, err := ResolveHistory(conv, branchID, -1)
	if err != nil {
		return nil, err
	}
	for i, m := range history {
		if m.ID == messageID {
			return history[:i+1], nil
		}
	}
	return nil, errs.MessageNotFound(messageID)
}

// Visible reports whether the message lies on the resolved path of a branch.
func Visible(conv *Conversation, branchID, messageID string) (bool, error) {
	_, err := HistoryThrough(conv, branchID, messageID)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, errs.ErrMessageNotFound) {
		return false, nil
	}
	return false, err
}

// Depth returns the number of ancestors between a branch and main.
func Depth(conv *Conversation, branchID string) (int, error) {
	b, ok := conv.Branches[branchID]
	if !ok {
		return 0, errs.BranchNotFound(branchID)
	}
	depth := 0
	for b.ParentID != "" {
		depth++
		if depth > MaxBranchDepth {
			return 0, &errs.StructuralError{ConversationID: conv.ID, BranchID: branchID, Reason: "branch ancestry too deep"}
		}
		parent, ok := conv.Branches[b.ParentID]
		if !ok {
			return 0, &errs.StructuralError{ConversationID: conv.ID, BranchID: b.ID, Reason: "missing parent"}
		}
		b = parent
	}
	return depth, nil
}
