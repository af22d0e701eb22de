package manager

import (
	"context"
	"sort"

	"github.com/harun/parley/pkg/errs"
)

// ConversationStats aggregates every stored conversation.
type ConversationStats struct {
	TotalConversations int      `json:"total_conversations"`
	TotalMessages      int      `json:"total_messages"`
	TotalResponses     int      `json:"total_responses"`
	TotalBranches      int      `json:"total_branches"`
	ModelsUsed         []string `json:"models_used"`
	LabelsUsed         []string `json:"labels_used"`
	AverageMessages    float64  `json:"avg_messages_per_conversation"`
}

// ConversationStats walks the store and aggregates usage.
func (m *Manager) ConversationStats(ctx context.Context) (ConversationStats, error) {
	summaries, err := m.store.List(ctx)
	if err != nil {
		return ConversationStats{}, err
	}

	stats := ConversationStats{ModelsUsed: []string{}, LabelsUsed: []string{}}
	models := map[string]bool{}
	labels := map[string]bool{}

	for _, sum := range summaries {
		conv, err := m.store.Get(ctx, sum.ID)
		if err != nil {
			if errs.IsNotFound(err) {
				continue
			}
			return ConversationStats{}, err
		}
		stats.TotalConversations++
		stats.TotalBranches += len(conv.Branches)
		for _, b := range conv.Branches {
			stats.TotalMessages += len(b.Messages)
			for _, msg := range b.Messages {
				stats.TotalResponses += len(msg.Responses)
				for _, r := range msg.Responses {
					models[r.Model] = true
					if r.Label != "" {
						labels[r.Label] = true
					}
				}
			}
		}
	}

	if stats.TotalConversations > 0 {
		stats.AverageMessages = float64(stats.TotalMessages) / float64(stats.TotalConversations)
	}
	stats.ModelsUsed = sortedKeys(models)
	stats.LabelsUsed = sortedKeys(labels)
	return stats, nil
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
