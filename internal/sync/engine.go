// Package sync owns the send/receive protocol: optimistic entries,
// immediate delivery attempts, reconciliation of provisional IDs with
// server-assigned ones, and retry of failed sends.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/edline/chatsync/internal/cache"
	"github.com/edline/chatsync/internal/chat"
	"github.com/edline/chatsync/internal/outbox"
	"github.com/edline/chatsync/internal/proto"
	"github.com/edline/chatsync/internal/store"
	"github.com/edline/chatsync/internal/transport"
	"github.com/edline/chatsync/internal/transport/rest"
)

// Options configure the engine.
type Options struct {
	// SenderID identifies the local participant on outgoing messages.
	SenderID string

	// CacheTTL bounds how long a conversation list stays fresh.
	CacheTTL time.Duration
}

func (o *Options) defaults() {
	if o.CacheTTL == 0 {
		o.CacheTTL = 24 * time.Hour
	}
}

// conversation carries the per-conversation serialization state. All
// queue and cache mutations for one conversation happen under mu;
// distinct conversations proceed in parallel.
type conversation struct {
	mu       sync.Mutex
	retrying atomic.Bool // single-flight guard for retry passes
	closed   atomic.Bool
}

// Engine is the chat synchronization engine. It is the only writer of the
// durable store; readers go through the conversation view.
type Engine struct {
	transport transport.Client
	rest      *rest.Client // optional fallback, may be nil
	queue     *outbox.Queue
	messages  *cache.Cache[[]chat.Message]
	view      *store.View
	log       *zerolog.Logger
	opts      Options

	mu    sync.Mutex
	convs map[string]*conversation

	handlersMu sync.Mutex
	onMessage  []func(chat.Message)
	onTyping   []func(proto.TypingStatusData)
}

// New wires an engine over its transport, durable queue and cache.
// restc may be nil when no REST fallback is configured.
func New(t transport.Client, restc *rest.Client, queue *outbox.Queue, messages *cache.Cache[[]chat.Message], opts Options, logger *zerolog.Logger) *Engine {
	opts.defaults()
	e := &Engine{
		transport: t,
		rest:      restc,
		queue:     queue,
		messages:  messages,
		view:      store.NewView(messages, queue),
		log:       logger,
		opts:      opts,
		convs:     make(map[string]*conversation),
	}

	t.Subscribe(proto.EventNewMessage, e.handleNewMessage)
	t.Subscribe(proto.EventMessageRead, e.handleMessageRead)
	t.Subscribe(proto.EventTypingStatus, e.handleTyping)
	t.OnReconnect(e.retryAll)

	return e
}

// View returns the read-facing conversation store.
func (e *Engine) View() *store.View {
	return e.view
}

func (e *Engine) conversation(id string) *conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	conv, ok := e.convs[id]
	if !ok {
		conv = &conversation{}
		e.convs[id] = conv
	}
	return conv
}

// Send accepts a message for delivery. It returns the optimistic PENDING
// entry as soon as it is durably queued; settlement happens asynchronously
// and is observable through the entry's status, never as a late error.
// Send fails only when the optimistic entry could not be made durable.
func (e *Engine) Send(ctx context.Context, conversationID, body string, channel chat.Channel, recipientID string) (chat.Message, error) {
	if channel == "" {
		channel = chat.ChannelLiveChat
	}

	msg := chat.Message{
		ID:             chat.NewProvisionalID(),
		ConversationID: conversationID,
		SenderID:       e.opts.SenderID,
		Body:           body,
		CreatedAt:      time.Now().UTC(),
		Channel:        channel,
		Status:         chat.StatusPending,
		Optimistic:     true,
	}
	if recipientID != "" {
		if chat.ValidRecipientID(recipientID) {
			msg.RecipientID = recipientID
		} else {
			// Graceful degradation: sanitize the payload, keep the send.
			e.log.Warn().Str("recipient_id", recipientID).Msg("malformed recipient dropped from payload")
		}
	}

	conv := e.conversation(conversationID)
	conv.mu.Lock()
	if err := e.appendCachedLocked(ctx, conversationID, msg); err != nil {
		conv.mu.Unlock()
		return chat.Message{}, chat.NewSyncError(chat.ErrCodePersistence, "store optimistic entry",
			fmt.Errorf("%w: %w", chat.ErrPersistence, err))
	}
	if err := e.queue.Enqueue(ctx, msg); err != nil {
		// Durability could not be guaranteed: roll the optimistic entry back.
		e.removeCachedLocked(ctx, conversationID, msg.ID)
		conv.mu.Unlock()
		return chat.Message{}, chat.NewSyncError(chat.ErrCodePersistence, "queue pending write",
			fmt.Errorf("%w: %w", chat.ErrPersistence, err))
	}
	conv.mu.Unlock()

	go e.settle(conversationID, msg)
	return msg, nil
}

// settle attempts delivery of a freshly queued message. It runs on the
// engine's own context: the caller has already moved on.
func (e *Engine) settle(conversationID string, msg chat.Message) {
	ctx := context.Background()
	conv := e.conversation(conversationID)
	conv.mu.Lock()
	defer conv.mu.Unlock()

	// The entry may have settled through a competing retry pass.
	current, ok := e.queuedLocked(conversationID, msg.ID)
	if !ok || current.Status != chat.StatusPending {
		return
	}
	e.deliverLocked(ctx, conversationID, current)
}

// queuedLocked finds a queued entry by ID. Callers hold the conversation
// lock.
func (e *Engine) queuedLocked(conversationID, messageID string) (chat.Message, bool) {
	for _, m := range e.queue.List(conversationID) {
		if m.ID == messageID {
			return m, true
		}
	}
	return chat.Message{}, false
}

// deliverLocked performs one delivery attempt and applies the outcome.
func (e *Engine) deliverLocked(ctx context.Context, conversationID string, msg chat.Message) {
	server, err := e.sendUpstream(ctx, msg)
	if err != nil {
		e.log.Warn().Err(err).
			Str("conversation_id", conversationID).
			Str("message_id", msg.ID).
			Msg("delivery failed, message stays queued")
		e.setStatusLocked(ctx, conversationID, msg.ID, chat.StatusFailed)
		return
	}
	e.reconcileLocked(ctx, conversationID, msg, server)
}

// sendUpstream delivers over the socket, degrading to the REST surface
// when the socket is unavailable.
func (e *Engine) sendUpstream(ctx context.Context, msg chat.Message) (chat.Message, error) {
	data := proto.SendMessageData{
		CourseID:     msg.ConversationID,
		InstructorID: msg.RecipientID,
		ChannelType:  string(msg.Channel),
		Message:      msg.Body,
	}

	raw, err := e.transport.Request(ctx, proto.EventSendMessage, data)
	if err == nil {
		var record proto.Communication
		if jsonErr := json.Unmarshal(raw, &record); jsonErr != nil {
			return chat.Message{}, fmt.Errorf("decode sendMessage response: %w", jsonErr)
		}
		return record.ToChat(), nil
	}

	if errors.Is(err, chat.ErrTransportUnavailable) && e.rest != nil {
		return e.rest.Send(ctx, data)
	}
	return chat.Message{}, err
}

// reconcileLocked replaces the provisional entry with the server-confirmed
// record and dequeues it. Applying the same confirmation twice leaves a
// single entry. The reconciled record keeps the optimistic CreatedAt so
// display order stays submission order even when acknowledgements arrive
// out of order.
func (e *Engine) reconcileLocked(ctx context.Context, conversationID string, provisional, server chat.Message) {
	if !server.CreatedAt.IsZero() && !provisional.CreatedAt.IsZero() {
		server.CreatedAt = provisional.CreatedAt
	}
	server.Optimistic = false
	if server.Status == "" {
		server.Status = chat.StatusSent
	}

	cached := e.cachedLocked(ctx, conversationID)
	out := make([]chat.Message, 0, len(cached)+1)
	for _, m := range cached {
		if m.ID == provisional.ID || m.ID == server.ID {
			continue
		}
		out = append(out, m)
	}
	out = append(out, server)

	if err := e.messages.Set(ctx, conversationID, out, e.opts.CacheTTL); err != nil {
		e.log.Error().Err(err).Str("conversation_id", conversationID).Msg("failed to cache reconciled entry")
	}
	if err := e.queue.Dequeue(ctx, conversationID, provisional.ID); err != nil {
		e.log.Error().Err(err).Str("message_id", provisional.ID).Msg("failed to dequeue confirmed message")
	}
}

// RetryPending re-attempts the conversation's FAILED entries in submission
// order. Entries already settled or genuinely in flight are never re-sent.
// Overlapping passes for one conversation collapse into the first.
func (e *Engine) RetryPending(ctx context.Context, conversationID string) error {
	conv := e.conversation(conversationID)
	if !conv.retrying.CompareAndSwap(false, true) {
		return nil // a pass is already running
	}
	defer conv.retrying.Store(false)

	conv.mu.Lock()
	defer conv.mu.Unlock()

	for _, msg := range e.queue.List(conversationID) {
		if conv.closed.Load() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if msg.Status.Settled() {
			// Identity check: confirmed work must never be re-sent.
			if err := e.queue.Dequeue(ctx, conversationID, msg.ID); err != nil {
				e.log.Warn().Err(err).Str("message_id", msg.ID).Msg("failed to drop settled entry")
			}
			continue
		}
		if msg.Status != chat.StatusFailed {
			continue // a settle goroutine owns this one
		}

		e.setStatusLocked(ctx, conversationID, msg.ID, chat.StatusPending)
		msg.Status = chat.StatusPending
		e.deliverLocked(ctx, conversationID, msg)
	}
	return nil
}

// RetryMessage re-attempts one queued entry. Entries that already settled
// are rejected so confirmed work is never sent twice.
func (e *Engine) RetryMessage(ctx context.Context, conversationID, messageID string) error {
	conv := e.conversation(conversationID)
	conv.mu.Lock()
	defer conv.mu.Unlock()

	msg, ok := e.queuedLocked(conversationID, messageID)
	if !ok {
		return chat.NewSyncError(chat.ErrCodeValidation, "message not queued", nil)
	}
	if msg.Status.Settled() {
		return chat.NewSyncError(chat.ErrCodeDuplicateSend, "message already confirmed",
			fmt.Errorf("%w: %s", chat.ErrDuplicateSend, messageID))
	}
	if msg.Status != chat.StatusFailed {
		return nil // a settle goroutine owns this one
	}

	e.setStatusLocked(ctx, conversationID, messageID, chat.StatusPending)
	msg.Status = chat.StatusPending
	e.deliverLocked(ctx, conversationID, msg)
	return nil
}

// retryAll runs a retry pass for every conversation with queued work.
// Invoked after the transport reconnects.
func (e *Engine) retryAll() {
	ctx := context.Background()
	convs, err := e.queue.Conversations(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("failed to list conversations for retry")
		return
	}
	for _, conversationID := range convs {
		go func(id string) {
			if err := e.RetryPending(ctx, id); err != nil {
				e.log.Warn().Err(err).Str("conversation_id", id).Msg("retry pass aborted")
			}
		}(conversationID)
	}
}

// Initialize restores the conversation's pending work, fetches the
// authoritative list (socket first, REST fallback), and returns the merged
// view. When no source is reachable it degrades to the last cached
// snapshot instead of failing.
func (e *Engine) Initialize(ctx context.Context, conversationID string, channel chat.Channel) ([]chat.Message, error) {
	conv := e.conversation(conversationID)
	conv.mu.Lock()
	defer conv.mu.Unlock()

	if _, err := e.queue.Restore(ctx, conversationID); err != nil {
		e.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("failed to restore pending queue")
	}

	authoritative, err := e.fetchList(ctx, conversationID, channel)
	if err == nil {
		merged := store.Merge(authoritative, e.queue.List(conversationID))
		if err := e.messages.Set(ctx, conversationID, merged, e.opts.CacheTTL); err != nil {
			return nil, chat.NewSyncError(chat.ErrCodePersistence, "cache conversation list",
				fmt.Errorf("%w: %w", chat.ErrPersistence, err))
		}
		return merged, nil
	}

	e.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("authoritative fetch failed, serving cached snapshot")
	return store.Merge(e.cachedLocked(ctx, conversationID), e.queue.List(conversationID)), nil
}

func (e *Engine) fetchList(ctx context.Context, conversationID string, channel chat.Channel) ([]chat.Message, error) {
	raw, err := e.transport.Request(ctx, proto.EventGetCommunications, proto.GetCommunicationsData{
		CourseID:    conversationID,
		ChannelType: string(channel),
	})
	if err == nil {
		var records []proto.Communication
		if jsonErr := json.Unmarshal(raw, &records); jsonErr != nil {
			return nil, fmt.Errorf("decode getCommunications response: %w", jsonErr)
		}
		return proto.CommunicationsToChat(records), nil
	}

	if errors.Is(err, chat.ErrTransportUnavailable) && e.rest != nil {
		return e.rest.List(ctx, conversationID, channel)
	}
	return nil, err
}

// SentHistory fetches the caller's sent messages from the REST surface.
func (e *Engine) SentHistory(ctx context.Context) ([]chat.Message, error) {
	if e.rest == nil {
		return nil, chat.NewSyncError(chat.ErrCodeTransportUnavailable, "no API surface configured",
			chat.ErrTransportUnavailable)
	}
	return e.rest.Sent(ctx)
}

// MarkRead advances the local record to READ and forwards the
// acknowledgement. It is best-effort: read receipts are not
// safety-critical, so failures are logged and local read state is
// never rolled back.
func (e *Engine) MarkRead(ctx context.Context, conversationID, messageID string) {
	conv := e.conversation(conversationID)
	conv.mu.Lock()
	e.advanceLocked(ctx, conversationID, messageID, chat.StatusRead, e.opts.SenderID)
	conv.mu.Unlock()

	_, err := e.transport.Request(ctx, proto.EventMarkAsRead, proto.MarkAsReadData{CommunicationID: messageID})
	if errors.Is(err, chat.ErrTransportUnavailable) && e.rest != nil {
		err = e.rest.MarkRead(ctx, messageID)
	}
	if err != nil {
		e.log.Warn().Err(err).Str("message_id", messageID).Msg("read acknowledgement not delivered")
	}
}

// SetTyping emits the typing indicator for a conversation.
func (e *Engine) SetTyping(ctx context.Context, conversationID string, isTyping bool) error {
	return e.transport.Emit(ctx, proto.EventTypingStatus, proto.TypingStatusData{
		CourseID: conversationID,
		IsTyping: isTyping,
	})
}

// ClearConversation evicts the conversation's cached list. Queued pending
// work is untouched: explicit clear and TTL expiry are the only deletion
// paths for confirmed messages, and neither touches unsent work.
func (e *Engine) ClearConversation(ctx context.Context, conversationID string) error {
	conv := e.conversation(conversationID)
	conv.mu.Lock()
	defer conv.mu.Unlock()
	return e.messages.Remove(ctx, conversationID)
}

// CloseConversation tears down in-process state for a conversation:
// outstanding retry passes stop at the next entry boundary. Persisted
// pending entries survive for the next Restore.
func (e *Engine) CloseConversation(conversationID string) {
	e.mu.Lock()
	conv, ok := e.convs[conversationID]
	if ok {
		delete(e.convs, conversationID)
	}
	e.mu.Unlock()
	if ok {
		conv.closed.Store(true)
	}
}

// OnMessage registers a handler for messages pushed by the relay.
func (e *Engine) OnMessage(handler func(chat.Message)) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.onMessage = append(e.onMessage, handler)
}

// OnTyping registers a handler for typing indicators.
func (e *Engine) OnTyping(handler func(proto.TypingStatusData)) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.onTyping = append(e.onTyping, handler)
}

// ── push handlers ──

func (e *Engine) handleNewMessage(payload json.RawMessage) {
	var record proto.Communication
	if err := json.Unmarshal(payload, &record); err != nil {
		e.log.Warn().Err(err).Msg("unreadable newMessage push")
		return
	}
	msg := record.ToChat()

	ctx := context.Background()
	conv := e.conversation(msg.ConversationID)
	conv.mu.Lock()
	cached := e.cachedLocked(ctx, msg.ConversationID)
	for _, m := range cached {
		if m.ID == msg.ID {
			conv.mu.Unlock()
			return // already known
		}
	}
	cached = append(cached, msg)
	if err := e.messages.Set(ctx, msg.ConversationID, cached, e.opts.CacheTTL); err != nil {
		e.log.Error().Err(err).Str("conversation_id", msg.ConversationID).Msg("failed to cache pushed message")
	}
	conv.mu.Unlock()

	e.handlersMu.Lock()
	handlers := append([]func(chat.Message){}, e.onMessage...)
	e.handlersMu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

func (e *Engine) handleMessageRead(payload json.RawMessage) {
	var data proto.MessageReadData
	if err := json.Unmarshal(payload, &data); err != nil {
		e.log.Warn().Err(err).Msg("unreadable messageRead push")
		return
	}

	// Read receipts carry no conversation key, so locate the record by ID.
	ctx := context.Background()
	convs, err := e.messages.Keys(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("failed to scan conversations for read receipt")
		return
	}
	for _, conversationID := range convs {
		conv := e.conversation(conversationID)
		conv.mu.Lock()
		applied := e.advanceLocked(ctx, conversationID, data.CommunicationID, chat.StatusRead, data.ReadBy)
		conv.mu.Unlock()
		if applied {
			return
		}
	}
}

func (e *Engine) handleTyping(payload json.RawMessage) {
	var data proto.TypingStatusData
	if err := json.Unmarshal(payload, &data); err != nil {
		e.log.Warn().Err(err).Msg("unreadable typingStatus push")
		return
	}
	e.handlersMu.Lock()
	handlers := append([]func(proto.TypingStatusData){}, e.onTyping...)
	e.handlersMu.Unlock()
	for _, h := range handlers {
		h(data)
	}
}

// ── cache helpers (callers hold the conversation lock) ──

func (e *Engine) cachedLocked(ctx context.Context, conversationID string) []chat.Message {
	cached, err := e.messages.Get(ctx, conversationID)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			e.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("failed to read cached conversation")
		}
		return nil
	}
	return cached
}

func (e *Engine) appendCachedLocked(ctx context.Context, conversationID string, msg chat.Message) error {
	cached := e.cachedLocked(ctx, conversationID)
	return e.messages.Set(ctx, conversationID, append(cached, msg), e.opts.CacheTTL)
}

func (e *Engine) removeCachedLocked(ctx context.Context, conversationID, messageID string) {
	cached := e.cachedLocked(ctx, conversationID)
	out := cached[:0]
	for _, m := range cached {
		if m.ID != messageID {
			out = append(out, m)
		}
	}
	if err := e.messages.Set(ctx, conversationID, out, e.opts.CacheTTL); err != nil {
		e.log.Error().Err(err).Str("message_id", messageID).Msg("failed to roll back optimistic entry")
	}
}

// setStatusLocked updates the entry's status in both the cache and the
// queue, so readers and the retry pass agree.
func (e *Engine) setStatusLocked(ctx context.Context, conversationID, messageID string, status chat.Status) {
	cached := e.cachedLocked(ctx, conversationID)
	for i := range cached {
		if cached[i].ID == messageID {
			if !cached[i].Status.CanTransition(status) {
				e.log.Warn().
					Str("message_id", messageID).
					Str("from", string(cached[i].Status)).
					Str("to", string(status)).
					Msg("illegal status transition dropped")
				return
			}
			cached[i].Status = status
			if err := e.messages.Set(ctx, conversationID, cached, e.opts.CacheTTL); err != nil {
				e.log.Error().Err(err).Str("message_id", messageID).Msg("failed to cache status change")
			}
			break
		}
	}
	if err := e.queue.SetStatus(ctx, conversationID, messageID, status); err != nil {
		e.log.Error().Err(err).Str("message_id", messageID).Msg("failed to persist status change")
	}
}

// advanceLocked moves a server-confirmed record toward READ. Optimistic
// records and records that have not reached SENT are never advanced: a
// FAILED message cannot become DELIVERED or READ without passing through
// SENT first.
func (e *Engine) advanceLocked(ctx context.Context, conversationID, messageID string, target chat.Status, readBy string) bool {
	cached := e.cachedLocked(ctx, conversationID)
	for i := range cached {
		if cached[i].ID != messageID {
			continue
		}
		if cached[i].Optimistic || !cached[i].Status.Settled() {
			return false
		}
		if cached[i].Status == target {
			return true // idempotent
		}
		cached[i].Status = target
		if err := e.messages.Set(ctx, conversationID, cached, e.opts.CacheTTL); err != nil {
			e.log.Error().Err(err).Str("message_id", messageID).Msg("failed to cache read state")
			return false
		}
		e.log.Debug().
			Str("message_id", messageID).
			Str("read_by", readBy).
			Msg("read state advanced")
		return true
	}
	return false
}
