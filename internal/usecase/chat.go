package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"support-agent/internal/domain"
)

const defaultMaxHistory = 20

type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
	ChatConstrained(ctx context.Context, model string, messages []domain.ChatMessage, constraint domain.LabelConstraint) (string, error)
}

// ConversationStore defines the per-thread state operations consumed by the
// routing core. AppendTurn is atomic: concurrent appends to the same thread
// never interleave partially.
type ConversationStore interface {
	Get(ctx context.Context, threadID string) (domain.ConversationState, error)
	AppendTurn(ctx context.Context, threadID string, msgs []domain.ChatMessage, meta domain.TurnMeta) error
	SetRefundAuthorized(ctx context.Context, threadID string, authorized bool) error
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

type ChatInput struct {
	Message  string
	ThreadID string
}

type ChatOutput struct {
	Message  string
	ThreadID string
	Status   TurnStatus
}

// ChatService drives one routing turn per call: generate a draft reply,
// classify it, follow the conditional edge, repeat until a terminal state or
// a suspension point.
type ChatService struct {
	llm        LLMClient
	classifier Classifier
	store      ConversationStore
	config     *modelConfig
	maxHistory int
	fallback   FallbackPolicy
	locks      *threadLocks
}

func NewChatService(params ParamGetter, llm LLMClient, classifier Classifier, store ConversationStore, paramPrefix string, maxHistory int, fallback FallbackPolicy) (*ChatService, error) {
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if classifier == nil {
		return nil, errors.New("usecase: classifier must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	config, err := newModelConfig(params, paramPrefix)
	if err != nil {
		return nil, err
	}
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	switch fallback {
	case FallbackStrict, FallbackRespond:
	case "":
		fallback = FallbackStrict
	default:
		return nil, errors.New("usecase: unknown fallback policy")
	}
	return &ChatService{
		llm:        llm,
		classifier: classifier,
		store:      store,
		config:     config,
		maxHistory: maxHistory,
		fallback:   fallback,
		locks:      newThreadLocks(),
	}, nil
}

// Chat executes a single turn for the given thread. An empty thread id opens
// a new thread. An empty message is only valid as a resume attempt on a
// thread suspended at the refund gate.
func (s *ChatService) Chat(ctx context.Context, in ChatInput) (ChatOutput, error) {
	threadID := strings.TrimSpace(in.ThreadID)
	if threadID == "" {
		threadID = newUUID()
	}
	lock := s.locks.get(threadID)
	lock.Lock()
	defer lock.Unlock()

	model, err := s.config.get(ctx)
	if err != nil {
		return ChatOutput{}, newError(ErrorInternal, "ssm_load_error", err)
	}

	state, err := s.store.Get(ctx, threadID)
	if err != nil {
		return ChatOutput{}, newError(ErrorInternal, "state_read_error", err)
	}

	message := strings.TrimSpace(in.Message)
	if message == "" && !state.AwaitingRefund {
		return ChatOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	}

	working := make([]domain.ChatMessage, len(state.Messages), len(state.Messages)+4)
	copy(working, state.Messages)
	var staged []domain.ChatMessage
	if message != "" {
		userMsg := domain.ChatMessage{Role: domain.RoleUser, Content: message}
		working = append(working, userMsg)
		staged = append(staged, userMsg)
	}

	return s.runTurn(ctx, model, threadID, state, working, staged)
}

// stepOutcome is the resolved result of one generate-then-classify step:
// the messages it contributes to the turn, the decision, and the next state.
type stepOutcome struct {
	next     State
	decision domain.Representative
	msgs     []domain.ChatMessage
}

// runTurn walks the state machine from the entry state to a terminal state
// or suspension point. Messages produced along the way are staged in memory
// and appended in one atomic write, so a failed turn leaves no partial state.
func (s *ChatService) runTurn(ctx context.Context, model, threadID string, state domain.ConversationState, working, staged []domain.ChatMessage) (ChatOutput, error) {
	cur := StateInitial
	if state.AwaitingRefund {
		cur = StateRefund
	}
	var decision domain.Representative

	for {
		switch cur {
		case StateInitial, StateBilling:
			var (
				reply domain.ChatMessage
				d     domain.Representative
				err   error
			)
			if cur == StateInitial {
				reply, d, err = s.initialSupport(ctx, model, working)
			} else {
				reply, d, err = s.billingSupport(ctx, model, working)
			}
			out, rerr := s.resolveStep(cur, reply, d, err)
			if rerr != nil {
				return ChatOutput{}, rerr
			}
			working = append(working, out.msgs...)
			staged = append(staged, out.msgs...)
			decision = out.decision
			cur = out.next

		case StateTechnical:
			reply, err := s.technicalSupport(ctx, model, working)
			if err != nil {
				return ChatOutput{}, wrapLLMError("technical_support_error", err)
			}
			working = append(working, reply)
			staged = append(staged, reply)
			cur = StateEnd

		case StateRefund:
			if !state.RefundAuthorized {
				if len(staged) == 0 && state.AwaitingRefund {
					// Repeated resume attempt while unauthorized: identical
					// suspension, nothing appended.
					return ChatOutput{ThreadID: threadID, Status: StatusSuspended}, nil
				}
				meta := domain.TurnMeta{NextRepresentative: decision, AwaitingRefund: true}
				if err := s.store.AppendTurn(ctx, threadID, staged, meta); err != nil {
					return ChatOutput{}, newError(ErrorInternal, "state_write_error", err)
				}
				return ChatOutput{ThreadID: threadID, Status: StatusSuspended}, nil
			}
			reply := assistantMessage(refundProcessedMessage)
			working = append(working, reply)
			staged = append(staged, reply)
			cur = StateEnd

		case StateEnd:
			meta := domain.TurnMeta{NextRepresentative: decision, AwaitingRefund: false}
			if err := s.store.AppendTurn(ctx, threadID, staged, meta); err != nil {
				return ChatOutput{}, newError(ErrorInternal, "state_write_error", err)
			}
			return ChatOutput{
				Message:  lastAssistantContent(staged),
				ThreadID: threadID,
				Status:   StatusDone,
			}, nil
		}
	}
}

// resolveStep turns a handler's raw result into a step outcome. A label with
// no edge in the transition table is treated the same as unparseable
// classifier output; both are resolved by the fallback policy rather than
// guessed at.
func (s *ChatService) resolveStep(cur State, reply domain.ChatMessage, d domain.Representative, err error) (stepOutcome, error) {
	if err == nil {
		if next, ok := nextState(cur, d); ok {
			return stepOutcome{next: next, decision: d, msgs: []domain.ChatMessage{reply}}, nil
		}
		err = fmt.Errorf("%w: no edge from %s for %q", ErrUnclassified, cur, d)
	}
	if !errors.Is(err, ErrUnclassified) {
		return stepOutcome{}, wrapLLMError(strings.ToLower(string(cur))+"_support_error", err)
	}
	if s.fallback == FallbackRespond {
		return stepOutcome{next: StateEnd, decision: domain.RepRespond, msgs: []domain.ChatMessage{reply}}, nil
	}
	// Strict policy: the unclassifiable draft reply is discarded and the
	// turn ends at the fallback terminal state with a fixed apology.
	return stepOutcome{next: StateEnd, msgs: []domain.ChatMessage{assistantMessage(fallbackReply)}}, nil
}

// Authorize records the external human-authorization action for a thread
// suspended at the refund gate. The next Chat call resumes the turn.
func (s *ChatService) Authorize(ctx context.Context, threadID string) error {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return newError(ErrorInvalidInput, "empty_thread_id", nil)
	}
	lock := s.locks.get(threadID)
	lock.Lock()
	defer lock.Unlock()
	if err := s.store.SetRefundAuthorized(ctx, threadID, true); err != nil {
		return newError(ErrorInternal, "state_write_error", err)
	}
	return nil
}

func wrapLLMError(reason string, err error) *Error {
	if status, ok := upstreamStatusCode(err); ok && status == 429 {
		return newError(ErrorRateLimited, reason, err)
	}
	return newError(ErrorUpstream, reason, err)
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

func lastAssistantContent(msgs []domain.ChatMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == domain.RoleAssistant {
			return msgs[i].Content
		}
	}
	return ""
}

var newUUID = func() string {
	return uuid.NewString()
}
