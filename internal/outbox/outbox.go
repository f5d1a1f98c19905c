// Package outbox holds the per-conversation pending-write queue: messages
// accepted locally but not yet confirmed by the relay. Every mutation is
// persisted before it returns, so a crash between enqueue and transport
// attempt cannot lose a message.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/edline/chatsync/internal/chat"
	"github.com/edline/chatsync/internal/kv"
)

// KeyPrefix namespaces queue snapshots in the durable store.
// Snapshots carry no TTL: they survive until explicitly dequeued.
const KeyPrefix = "pending:"

// Queue is the pending-write queue across all conversations.
// Writers are the sync engine only.
type Queue struct {
	store kv.Store

	mu     sync.Mutex
	queues map[string][]chat.Message
}

// New builds an empty queue persisted in store.
func New(store kv.Store) *Queue {
	return &Queue{
		store:  store,
		queues: make(map[string][]chat.Message),
	}
}

func key(conversationID string) string {
	return KeyPrefix + conversationID
}

// persistLocked snapshots one conversation's queue. Callers hold q.mu.
func (q *Queue) persistLocked(ctx context.Context, conversationID string) error {
	msgs := q.queues[conversationID]
	if len(msgs) == 0 {
		if err := q.store.Delete(ctx, key(conversationID)); err != nil {
			return fmt.Errorf("drop queue snapshot: %w", err)
		}
		return nil
	}

	raw, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("encode queue snapshot: %w", err)
	}
	if err := q.store.Put(ctx, key(conversationID), raw); err != nil {
		return fmt.Errorf("persist queue snapshot: %w", err)
	}
	return nil
}

// Enqueue appends msg to its conversation's queue and persists the
// snapshot. On persistence failure the in-memory append is rolled back
// and the error returned.
func (q *Queue) Enqueue(ctx context.Context, msg chat.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	conv := msg.ConversationID
	q.queues[conv] = append(q.queues[conv], msg)

	if err := q.persistLocked(ctx, conv); err != nil {
		q.queues[conv] = q.queues[conv][:len(q.queues[conv])-1]
		return err
	}
	return nil
}

// Dequeue removes the message with messageID from the conversation's queue
// and persists the shrunk snapshot. Unknown IDs are a no-op.
func (q *Queue) Dequeue(ctx context.Context, conversationID, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	msgs := q.queues[conversationID]
	idx := -1
	for i, m := range msgs {
		if m.ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}

	removed := msgs[idx]
	q.queues[conversationID] = append(msgs[:idx:idx], msgs[idx+1:]...)

	if err := q.persistLocked(ctx, conversationID); err != nil {
		// Restore the entry at its original position; better a duplicate
		// retry than a lost message.
		rest := q.queues[conversationID]
		q.queues[conversationID] = append(rest[:idx:idx], append([]chat.Message{removed}, rest[idx:]...)...)
		return err
	}
	return nil
}

// SetStatus updates the queued entry's status and persists the change.
func (q *Queue) SetStatus(ctx context.Context, conversationID, messageID string, status chat.Status) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	msgs := q.queues[conversationID]
	for i := range msgs {
		if msgs[i].ID == messageID {
			prev := msgs[i].Status
			msgs[i].Status = status
			if err := q.persistLocked(ctx, conversationID); err != nil {
				msgs[i].Status = prev
				return err
			}
			return nil
		}
	}
	return nil
}

// List returns a copy of the conversation's queued messages in
// submission order.
func (q *Queue) List(conversationID string) []chat.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	msgs := q.queues[conversationID]
	out := make([]chat.Message, len(msgs))
	copy(out, msgs)
	return out
}

// Restore loads the conversation's persisted snapshot into memory, marking
// every entry FAILED so it is eligible for retry. Used at startup to
// recover unsent work after a crash or reload.
func (q *Queue) Restore(ctx context.Context, conversationID string) ([]chat.Message, error) {
	raw, err := q.store.Get(ctx, key(conversationID))
	if err != nil {
		if err == kv.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("load queue snapshot: %w", err)
	}

	var msgs []chat.Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, fmt.Errorf("decode queue snapshot: %w", err)
	}

	for i := range msgs {
		if !msgs[i].Status.Settled() {
			msgs[i].Status = chat.StatusFailed
		}
	}

	q.mu.Lock()
	q.queues[conversationID] = msgs
	err = q.persistLocked(ctx, conversationID)
	q.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make([]chat.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// Conversations lists conversation IDs with a persisted snapshot.
func (q *Queue) Conversations(ctx context.Context) ([]string, error) {
	keys, err := q.store.Keys(ctx, KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list queue keys: %w", err)
	}
	convs := make([]string, 0, len(keys))
	for _, k := range keys {
		convs = append(convs, strings.TrimPrefix(k, KeyPrefix))
	}
	return convs, nil
}
