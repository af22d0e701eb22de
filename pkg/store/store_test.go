package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/parley/pkg/conversation"
	"github.com/harun/parley/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Backend {
	t.Helper()

	file, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)

	sqliteFile, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "parley.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqliteFile.Close() })

	sqliteMem, err := NewSQLiteBackend(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqliteMem.Close() })

	return map[string]Backend{
		"file":          file,
		"sqlite":        sqliteFile,
		"sqlite-memory": sqliteMem,
		"memory":        NewMemoryBackend(),
	}
}

func buildConversation(t *testing.T, s *ConversationStore) *conversation.Conversation {
	t.Helper()
	ctx := context.Background()

	conv, err := s.Create(ctx, "  Round trip  ")
	require.NoError(t, err)

	msg, err := conv.AppendMessage(conversation.MainBranchID, conversation.NewMessage("u-1", "hello", []conversation.Attachment{
		{ContentType: "image/png", Payload: "iVBORw0KGgo="},
	}))
	require.NoError(t, err)
	msg.AddResponse(&conversation.Response{
		Text:        "hi",
		Model:       "demo-model",
		ToolUses:    []conversation.ToolUse{{ID: "t1", Name: "calculate", Input: map[string]interface{}{"expression": "2*3"}}},
		ToolResults: []conversation.ToolResult{{ToolUseID: "t1", Output: "6"}},
		Metadata:    conversation.Metadata{InputTokens: 5, OutputTokens: 2, Success: true},
	})
	_, err = conv.AddBranch("b1", conversation.MainBranchID, 0)
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx, conv))
	return conv
}

func TestConversationStore_RoundTrip(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := New(backend)
			conv := buildConversation(t, s)

			loaded, err := s.Get(context.Background(), conv.ID)
			require.NoError(t, err)

			want, err := conversation.Marshal(conv)
			require.NoError(t, err)
			got, err := conversation.Marshal(loaded)
			require.NoError(t, err)
			assert.JSONEq(t, string(want), string(got))

			assert.Equal(t, "Round trip", loaded.Title)
			assert.True(t, conv.UpdatedAt.Equal(loaded.UpdatedAt))
			require.Len(t, loaded.Branches[conversation.MainBranchID].Messages, 1)
			assert.Equal(t, "image/png", loaded.Branches[conversation.MainBranchID].Messages[0].Attachments[0].ContentType)
		})
	}
}

func TestConversationStore_SaveIsIdempotent(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := New(backend)
			conv := buildConversation(t, s)
			ctx := context.Background()

			require.NoError(t, s.Save(ctx, conv))
			require.NoError(t, s.Save(ctx, conv))

			ids, err := backend.IDs(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{conv.ID}, ids)
		})
	}
}

func TestConversationStore_NotFound(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := New(backend)
			ctx := context.Background()

			_, err := s.Get(ctx, "missing")
			assert.ErrorIs(t, err, errs.ErrConversationNotFound)
			assert.True(t, errs.IsNotFound(err))

			err = s.Delete(ctx, "missing")
			assert.ErrorIs(t, err, errs.ErrConversationNotFound)

			_, err = s.Rename(ctx, "missing", "title")
			assert.ErrorIs(t, err, errs.ErrConversationNotFound)
		})
	}
}

func TestConversationStore_RenameDeleteList(t *testing.T) {
	s := New(NewMemoryBackend())
	ctx := context.Background()

	first, err := s.Create(ctx, "first")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := s.Create(ctx, "second")
	require.NoError(t, err)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)

	time.Sleep(2 * time.Millisecond)
	renamed, err := s.Rename(ctx, first.ID, "renamed")
	require.NoError(t, err)
	assert.Equal(t, "renamed", renamed.Title)

	list, err = s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, "renamed", list[0].Title)

	_, err = s.Rename(ctx, first.ID, "   ")
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)

	require.NoError(t, s.Delete(ctx, first.ID))
	_, err = s.Get(ctx, first.ID)
	assert.ErrorIs(t, err, errs.ErrConversationNotFound)
}

func TestConversationStore_CorruptRecord(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFileBackend(dir)
	require.NoError(t, err)
	s := New(backend)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte(`{"id":"broken"}`), 0600))

	_, err = s.Get(context.Background(), "broken")
	assert.ErrorIs(t, err, errs.ErrInvalidConversationData)

	list, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestFileBackend_RejectsUnsafeIDs(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)

	tests := []struct {
		name string
		id   string
	}{
		{"empty", ""},
		{"traversal", "../etc"},
		{"separator", "a/b"},
		{"backslash", `a\b`},
		{"null byte", "a\x00b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, backend.Store(context.Background(), tt.id, []byte("{}")))
			_, err := backend.Load(context.Background(), tt.id)
			assert.Error(t, err)
		})
	}
}

func TestFileBackend_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFileBackend(dir)
	require.NoError(t, err)
	s := New(backend)
	buildConversation(t, s)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ".json", filepath.Ext(entries[0].Name()))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
}

func TestFileBackend_RestrictsExistingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "conversations")
	require.NoError(t, os.Mkdir(dir, 0755))

	_, err := NewFileBackend(dir)
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
}

func TestConversationStore_Prune(t *testing.T) {
	s := New(NewMemoryBackend())
	ctx := context.Background()

	old, err := s.Create(ctx, "old")
	require.NoError(t, err)
	old.UpdatedAt = time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, s.Save(ctx, old))

	fresh, err := s.Create(ctx, "fresh")
	require.NoError(t, err)

	pruned, err := s.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{old.ID}, pruned)

	_, err = s.Get(ctx, fresh.ID)
	assert.NoError(t, err)

	_, err = s.Prune(ctx, 0)
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	s, err := Open("memory", "", "")
	require.NoError(t, err)
	assert.Equal(t, "memory", s.Backend().Name())

	_, err = Open("redis", "", "")
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}
