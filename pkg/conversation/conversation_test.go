package conversation

import (
	"errors"
	"testing"

	"github.com/harun/parley/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupConversation(t *testing.T, texts ...string) *Conversation {
	t.Helper()
	conv := New("c-1", "test")
	for _, text := range texts {
		_, err := conv.AppendMessage(MainBranchID, NewMessage("u-1", text, nil))
		require.NoError(t, err)
	}
	return conv
}

func texts(history []*Message) []string {
	out := make([]string, len(history))
	for i, m := range history {
		out[i] = m.Text
	}
	return out
}

func TestResolveHistory_MainPrefix(t *testing.T) {
	conv := setupConversation(t, "m1", "m2", "m3", "m4")

	tests := []struct {
		name string
		upTo int
		want []string
	}{
		{"whole branch", -1, []string{"m1", "m2", "m3", "m4"}},
		{"prefix", 2, []string{"m1", "m2"}},
		{"empty", 0, []string{}},
		{"clamped", 99, []string{"m1", "m2", "m3", "m4"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			history, err := ResolveHistory(conv, MainBranchID, tt.upTo)
			require.NoError(t, err)
			assert.Equal(t, tt.want, texts(history))
		})
	}
}

func TestResolveHistory_BranchIsParentPrefixPlusOwn(t *testing.T) {
	conv := setupConversation(t, "m1", "m2", "m3")

	_, err := conv.AddBranch("b1", MainBranchID, 2)
	require.NoError(t, err)
	_, err = conv.AppendMessage("b1", NewMessage("u-1", "b1-1", nil))
	require.NoError(t, err)
	_, err = conv.AppendMessage("b1", NewMessage("u-1", "b1-2", nil))
	require.NoError(t, err)

	_, err = conv.AddBranch("b2", "b1", 1)
	require.NoError(t, err)
	_, err = conv.AppendMessage("b2", NewMessage("u-1", "b2-1", nil))
	require.NoError(t, err)

	history, err := ResolveHistory(conv, "b1", -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "b1-1", "b1-2"}, texts(history))

	history, err = ResolveHistory(conv, "b2", -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "b1-1", "b2-1"}, texts(history))

	history, err = ResolveHistory(conv, "b1", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "b1-1"}, texts(history))

	depth, err := Depth(conv, "b2")
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
}

func TestResolveHistory_Errors(t *testing.T) {
	t.Run("missing branch", func(t *testing.T) {
		conv := setupConversation(t, "m1")
		_, err := ResolveHistory(conv, "nope", -1)
		assert.ErrorIs(t, err, errs.ErrBranchNotFound)
	})

	t.Run("cycle", func(t *testing.T) {
		conv := setupConversation(t, "m1")
		conv.Branches["a"] = &Branch{ID: "a", ParentID: "b"}
		conv.Branches["b"] = &Branch{ID: "b", ParentID: "a"}

		_, err := ResolveHistory(conv, "a", -1)
		var se *errs.StructuralError
		require.True(t, errors.As(err, &se))
		assert.Contains(t, se.Reason, "cycle")
	})

	t.Run("missing parent", func(t *testing.T) {
		conv := setupConversation(t, "m1")
		conv.Branches["orphan"] = &Branch{ID: "orphan", ParentID: "ghost"}

		_, err := ResolveHistory(conv, "orphan", -1)
		assert.ErrorIs(t, err, errs.ErrStructural)
	})

	t.Run("too deep", func(t *testing.T) {
		conv := setupConversation(t)
		parent := MainBranchID
		for i := 0; i <= MaxBranchDepth; i++ {
			id := "b" + string(rune('A'+i%26)) + string(rune('a'+i/26))
			conv.Branches[id] = &Branch{ID: id, ParentID: parent}
			parent = id
		}

		_, err := ResolveHistory(conv, parent, -1)
		assert.ErrorIs(t, err, errs.ErrStructural)
	})
}

func TestAddBranch_Validation(t *testing.T) {
	conv := setupConversation(t, "m1", "m2")

	tests := []struct {
		name    string
		id      string
		parent  string
		point   int
		wantErr error
	}{
		{"ok at tail", "x", MainBranchID, 2, nil},
		{"duplicate", MainBranchID, MainBranchID, 0, errs.ErrInvalidArgument},
		{"missing parent", "y", "ghost", 0, errs.ErrBranchNotFound},
		{"point too large", "z", MainBranchID, 3, errs.ErrInvalidArgument},
		{"negative point", "w", MainBranchID, -1, errs.ErrInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := conv.AddBranch(tt.id, tt.parent, tt.point)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestLocateAndVisible(t *testing.T) {
	conv := setupConversation(t, "m1", "m2")
	m2 := conv.Branches[MainBranchID].Messages[1]

	_, err := conv.AddBranch("b1", MainBranchID, 1)
	require.NoError(t, err)
	own, err := conv.AppendMessage("b1", NewMessage("u-1", "b1-1", nil))
	require.NoError(t, err)

	b, idx, err := conv.LocateMessage(own.ID)
	require.NoError(t, err)
	assert.Equal(t, "b1", b.ID)
	assert.Equal(t, 0, idx)

	_, _, err = conv.LocateMessage("missing")
	assert.ErrorIs(t, err, errs.ErrMessageNotFound)

	visible, err := Visible(conv, "b1", m2.ID)
	require.NoError(t, err)
	assert.False(t, visible, "m2 is past the branch point")

	visible, err = Visible(conv, "b1", conv.Branches[MainBranchID].Messages[0].ID)
	require.NoError(t, err)
	assert.True(t, visible)

	_, err = Visible(conv, "ghost", m2.ID)
	assert.ErrorIs(t, err, errs.ErrBranchNotFound)

	history, err := HistoryThrough(conv, MainBranchID, m2.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestActiveResponse(t *testing.T) {
	msg := NewMessage("u-1", "hi", nil)
	assert.Nil(t, msg.ActiveResponse(""))

	msg.AddResponse(&Response{Text: "first"})
	msg.AddResponse(&Response{Text: "alt", Label: "alt-1"})
	msg.AddResponse(&Response{Text: "latest"})

	assert.Equal(t, "latest", msg.ActiveResponse("").Text)
	assert.Equal(t, "alt", msg.ActiveResponse("alt-1").Text)
	assert.Equal(t, "latest", msg.ActiveResponse("unknown").Text)
	for _, r := range msg.Responses {
		assert.Equal(t, msg.ID, r.MessageID)
	}
}

func TestCloneIsDeep(t *testing.T) {
	conv := setupConversation(t, "m1")
	conv.Branches[MainBranchID].Messages[0].AddResponse(&Response{
		Text:     "r",
		ToolUses: []ToolUse{{ID: "t1", Name: "calc", Input: map[string]interface{}{"x": 1.0}}},
	})

	cp := conv.Clone()
	cp.Title = "changed"
	cp.Branches[MainBranchID].Messages[0].Text = "changed"
	cp.Branches[MainBranchID].Messages[0].Responses[0].ToolUses[0].Input["x"] = 2.0
	_, err := cp.AddBranch("b1", MainBranchID, 1)
	require.NoError(t, err)

	assert.Equal(t, "test", conv.Title)
	assert.Equal(t, "m1", conv.Branches[MainBranchID].Messages[0].Text)
	assert.Equal(t, 1.0, conv.Branches[MainBranchID].Messages[0].Responses[0].ToolUses[0].Input["x"])
	assert.Len(t, conv.Branches, 1)
	assert.Equal(t, conv.CreatedAt, cp.CreatedAt)
}

func TestCopyForBranch(t *testing.T) {
	msg := NewMessage("u-1", "hi", nil)
	msg.AddResponse(&Response{Text: "A", Model: "model-a"})

	cp := msg.CopyForBranch()
	assert.NotEqual(t, msg.ID, cp.ID)
	assert.Equal(t, msg.ID, cp.SourceMessageID)
	require.Len(t, cp.Responses, 1)
	assert.Equal(t, "A", cp.Responses[0].Text)
	assert.Equal(t, cp.ID, cp.Responses[0].MessageID)
	assert.NotEqual(t, msg.Responses[0].ID, cp.Responses[0].ID)
	assert.Equal(t, msg.ID, msg.Responses[0].MessageID)
}
