package conversation

import (
	"encoding/json"
	"fmt"

	"github.com/harun/parley/pkg/errs"
)

// Marshal encodes a conversation record.
func Marshal(conv *Conversation) ([]byte, error) {
	if err := Validate(conv); err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal conversation %s: %w", conv.ID, err)
	}
	return data, nil
}

// Unmarshal decodes and validates a conversation record.
func Unmarshal(data []byte) (*Conversation, error) {
	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, errs.InvalidConversationData("record", err)
	}
	if err := Validate(&conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// Validate checks the data-model invariants that can be verified without
// walking the branch tree. Parent cycles and dangling parents are reported by
// ResolveHistory.
func Validate(conv *Conversation) error {
	if conv == nil {
		return errs.InvalidConversationData("record", nil, "conversation is nil")
	}

	var problems []string
	if conv.ID == "" {
		problems = append(problems, "id is required")
	}

	main, ok := conv.Branches[MainBranchID]
	switch {
	case !ok:
		problems = append(problems, "main branch is missing")
	case main.ParentID != "":
		problems = append(problems, "main branch must not have a parent")
	}

	messageIDs := make(map[string]string)
	for key, b := range conv.Branches {
		if b == nil {
			problems = append(problems, fmt.Sprintf("branch %s is null", key))
			continue
		}
		if b.ID != key {
			problems = append(problems, fmt.Sprintf("branch key %s does not match id %s", key, b.ID))
		}
		if b.ID != MainBranchID && b.ParentID == "" {
			problems = append(problems, fmt.Sprintf("branch %s has no parent", b.ID))
		}
		if b.BranchPoint < 0 {
			problems = append(problems, fmt.Sprintf("branch %s has negative branch point", b.ID))
		}
		if parent, ok := conv.Branches[b.ParentID]; ok && parent != nil && b.BranchPoint > len(parent.Messages) {
			problems = append(problems, fmt.Sprintf("branch %s branch point %d exceeds parent length %d", b.ID, b.BranchPoint, len(parent.Messages)))
		}

		for i, m := range b.Messages {
			if m == nil {
				problems = append(problems, fmt.Sprintf("branch %s message %d is null", b.ID, i))
				continue
			}
			problems = append(problems, validateMessage(b.ID, i, m)...)
			if owner, dup := messageIDs[m.ID]; dup {
				problems = append(problems, fmt.Sprintf("message id %s appears in branches %s and %s", m.ID, owner, b.ID))
			}
			messageIDs[m.ID] = b.ID
		}
	}

	for _, id := range conv.BranchOrder {
		if _, ok := conv.Branches[id]; !ok {
			problems = append(problems, fmt.Sprintf("branch order names unknown branch %s", id))
		}
	}

	if len(problems) > 0 {
		return errs.InvalidConversationData(conv.ID, nil, problems...)
	}
	return nil
}

func validateMessage(branchID string, idx int, m *Message) []string {
	var problems []string
	if m.ID == "" {
		problems = append(problems, fmt.Sprintf("branch %s message %d has no id", branchID, idx))
	}
	if m.Role != RoleUser && m.Role != RoleSystem {
		problems = append(problems, fmt.Sprintf("message %s has invalid role %q", m.ID, m.Role))
	}
	for _, r := range m.Responses {
		if r == nil {
			problems = append(problems, fmt.Sprintf("message %s has a null response", m.ID))
			continue
		}
		if r.ID == "" {
			problems = append(problems, fmt.Sprintf("message %s has a response without id", m.ID))
		}
		if r.MessageID != m.ID {
			problems = append(problems, fmt.Sprintf("response %s belongs to %s, not %s", r.ID, r.MessageID, m.ID))
		}
	}
	return problems
}
