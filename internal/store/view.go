// Package store exposes the read-facing conversation view: the merge of
// server-confirmed messages and locally pending ones, in stable display
// order. Consumers read it; only the sync engine writes the underlying
// state.
package store

import (
	"context"
	"errors"
	"sort"

	"github.com/edline/chatsync/internal/cache"
	"github.com/edline/chatsync/internal/chat"
	"github.com/edline/chatsync/internal/outbox"
)

// MessagesKeyPrefix namespaces cached conversation lists.
const MessagesKeyPrefix = "messages:"

// View merges the cached conversation list with the pending-write queue.
type View struct {
	messages *cache.Cache[[]chat.Message]
	queue    *outbox.Queue
}

// NewView builds a view over the message cache and pending queue.
func NewView(messages *cache.Cache[[]chat.Message], queue *outbox.Queue) *View {
	return &View{messages: messages, queue: queue}
}

// Conversation returns the merged message list for a conversation. Display
// order is by CreatedAt — submission order — regardless of which entries
// are still pending and of acknowledgement order. Queued entries absent
// from the cache (e.g. after TTL expiry) are still included, so pending
// work is never invisible.
func (v *View) Conversation(ctx context.Context, conversationID string) ([]chat.Message, error) {
	cached, err := v.messages.Get(ctx, conversationID)
	if err != nil && !errors.Is(err, cache.ErrMiss) {
		return nil, err
	}

	return Merge(cached, v.queue.List(conversationID)), nil
}

// Merge combines a confirmed list with pending entries, preferring the
// cached copy when both carry the same ID, sorted stably by CreatedAt.
func Merge(cached, pending []chat.Message) []chat.Message {
	merged := make([]chat.Message, 0, len(cached)+len(pending))
	seen := make(map[string]struct{}, len(cached))

	for _, m := range cached {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		merged = append(merged, m)
	}
	for _, m := range pending {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		merged = append(merged, m)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt.Before(merged[j].CreatedAt)
	})
	return merged
}
