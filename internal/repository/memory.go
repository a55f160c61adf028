// Package repository provides the conversation state backends. All backends
// share the same contract: reads return the full thread, and a turn is
// persisted as a single atomic append of its staged messages plus routing
// metadata.
package repository

import (
	"context"
	"sync"

	"support-agent/internal/domain"
)

// Memory is an in-process conversation store. It is the default backend for
// local runs and tests.
type Memory struct {
	mu      sync.Mutex
	threads map[string]*domain.ConversationState
}

func NewMemory() *Memory {
	return &Memory{threads: make(map[string]*domain.ConversationState)}
}

// Get returns a copy of the thread state, or a zero state for unknown
// threads.
func (m *Memory) Get(_ context.Context, threadID string) (domain.ConversationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.threads[threadID]
	if !ok {
		return domain.ConversationState{ThreadID: threadID}, nil
	}
	out := *t
	out.Messages = make([]domain.ChatMessage, len(t.Messages))
	copy(out.Messages, t.Messages)
	return out, nil
}

// AppendTurn appends the staged messages and updates the routing metadata in
// one step. The refund authorization flag is left untouched so a concurrent
// SetRefundAuthorized is never overwritten.
func (m *Memory) AppendTurn(_ context.Context, threadID string, msgs []domain.ChatMessage, meta domain.TurnMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.ensureLocked(threadID)
	t.Messages = append(t.Messages, msgs...)
	t.NextRepresentative = meta.NextRepresentative
	t.AwaitingRefund = meta.AwaitingRefund
	return nil
}

// SetRefundAuthorized records the human authorization decision, creating the
// thread if it does not exist yet.
func (m *Memory) SetRefundAuthorized(_ context.Context, threadID string, authorized bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.ensureLocked(threadID)
	t.RefundAuthorized = authorized
	return nil
}

func (m *Memory) ensureLocked(threadID string) *domain.ConversationState {
	t, ok := m.threads[threadID]
	if !ok {
		t = &domain.ConversationState{ThreadID: threadID}
		m.threads[threadID] = t
	}
	return t
}
