package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"support-agent/internal/domain"
)

type chatResult struct {
	reply string
	err   error
}

// fakeLLM scripts Chat replies in call order and records every prompt.
type fakeLLM struct {
	results []chatResult
	prompts [][]domain.ChatMessage
}

func (f *fakeLLM) Chat(_ context.Context, _ string, messages []domain.ChatMessage) (string, error) {
	f.prompts = append(f.prompts, messages)
	if len(f.results) == 0 {
		return "", errors.New("fakeLLM: no scripted result")
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r.reply, r.err
}

func (f *fakeLLM) ChatConstrained(_ context.Context, _ string, _ []domain.ChatMessage, _ domain.LabelConstraint) (string, error) {
	return "", errors.New("fakeLLM: unexpected constrained call")
}

type classifyResult struct {
	d   domain.Representative
	err error
}

// fakeClassifier scripts decisions in call order and records the requests.
type fakeClassifier struct {
	results  []classifyResult
	requests []ClassifyRequest
}

func (f *fakeClassifier) Classify(_ context.Context, req ClassifyRequest) (domain.Representative, error) {
	f.requests = append(f.requests, req)
	if len(f.results) == 0 {
		return "", errors.New("fakeClassifier: no scripted result")
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r.d, r.err
}

type fakeParams struct{ err error }

func (f *fakeParams) GetParameter(_ context.Context, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "gpt-test", nil
}

type appendCall struct {
	msgs []domain.ChatMessage
	meta domain.TurnMeta
}

// fakeStore returns a fixed state and records writes.
type fakeStore struct {
	state      domain.ConversationState
	getErr     error
	appendErr  error
	appends    []appendCall
	authorized []bool
}

func (f *fakeStore) Get(_ context.Context, threadID string) (domain.ConversationState, error) {
	if f.getErr != nil {
		return domain.ConversationState{}, f.getErr
	}
	out := f.state
	out.ThreadID = threadID
	return out, nil
}

func (f *fakeStore) AppendTurn(_ context.Context, _ string, msgs []domain.ChatMessage, meta domain.TurnMeta) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.appends = append(f.appends, appendCall{msgs: msgs, meta: meta})
	return nil
}

func (f *fakeStore) SetRefundAuthorized(_ context.Context, _ string, authorized bool) error {
	f.authorized = append(f.authorized, authorized)
	return nil
}

type statusErr struct{ status int }

func (e *statusErr) Error() string       { return fmt.Sprintf("status %d", e.status) }
func (e *statusErr) HTTPStatusCode() int { return e.status }

func newTestService(t *testing.T, llm *fakeLLM, cls *fakeClassifier, store ConversationStore, fallback FallbackPolicy) *ChatService {
	t.Helper()
	svc, err := NewChatService(&fakeParams{}, llm, cls, store, "/support-agent", 20, fallback)
	require.NoError(t, err)
	return svc
}

func userMsg(content string) domain.ChatMessage {
	return domain.ChatMessage{Role: domain.RoleUser, Content: content}
}

func TestNewChatService_Validates(t *testing.T) {
	llm := &fakeLLM{}
	cls := &fakeClassifier{}
	store := &fakeStore{}

	_, err := NewChatService(&fakeParams{}, nil, cls, store, "/p", 20, "")
	require.Error(t, err)
	_, err = NewChatService(&fakeParams{}, llm, nil, store, "/p", 20, "")
	require.Error(t, err)
	_, err = NewChatService(&fakeParams{}, llm, cls, nil, "/p", 20, "")
	require.Error(t, err)
	_, err = NewChatService(nil, llm, cls, store, "/p", 20, "")
	require.Error(t, err)
	_, err = NewChatService(&fakeParams{}, llm, cls, store, "", 20, "")
	require.Error(t, err)
	_, err = NewChatService(&fakeParams{}, llm, cls, store, "/p", 20, "lenient")
	require.Error(t, err)
}

func TestChat_ConversationalTurn(t *testing.T) {
	llm := &fakeLLM{results: []chatResult{{reply: "Hello Alex, how can I help?"}}}
	cls := &fakeClassifier{results: []classifyResult{{d: domain.RepRespond}}}
	store := &fakeStore{}
	svc := newTestService(t, llm, cls, store, "")

	out, err := svc.Chat(context.Background(), ChatInput{Message: "My name is Alex", ThreadID: "t-1"})
	require.NoError(t, err)
	require.Equal(t, StatusDone, out.Status)
	require.Equal(t, "t-1", out.ThreadID)
	require.Equal(t, "Hello Alex, how can I help?", out.Message)

	require.Len(t, store.appends, 1)
	require.Equal(t, []domain.ChatMessage{
		userMsg("My name is Alex"),
		{Role: domain.RoleAssistant, Content: "Hello Alex, how can I help?"},
	}, store.appends[0].msgs)
	require.Equal(t, domain.RepRespond, store.appends[0].meta.NextRepresentative)
	require.False(t, store.appends[0].meta.AwaitingRefund)
}

func TestChat_GeneratesThreadID(t *testing.T) {
	orig := newUUID
	newUUID = func() string { return "generated-id" }
	t.Cleanup(func() { newUUID = orig })

	llm := &fakeLLM{results: []chatResult{{reply: "hi"}}}
	cls := &fakeClassifier{results: []classifyResult{{d: domain.RepRespond}}}
	svc := newTestService(t, llm, cls, &fakeStore{}, "")

	out, err := svc.Chat(context.Background(), ChatInput{Message: "hello"})
	require.NoError(t, err)
	require.Equal(t, "generated-id", out.ThreadID)
}

func TestChat_TechnicalRouting(t *testing.T) {
	llm := &fakeLLM{results: []chatResult{
		{reply: "Please hold for technical support."},
		{reply: "Try holding the power button for 10 seconds."},
	}}
	cls := &fakeClassifier{results: []classifyResult{{d: domain.RepTechnical}}}
	store := &fakeStore{}
	svc := newTestService(t, llm, cls, store, "")

	out, err := svc.Chat(context.Background(), ChatInput{Message: "My laptop won't turn on", ThreadID: "t-1"})
	require.NoError(t, err)
	require.Equal(t, StatusDone, out.Status)
	require.Equal(t, "Try holding the power button for 10 seconds.", out.Message)

	// Turn reaches technical directly, never billing.
	require.Len(t, cls.requests, 1)
	require.Equal(t, []domain.Representative{domain.RepBilling, domain.RepTechnical, domain.RepRespond}, cls.requests[0].Labels)

	// Both the frontline draft and the technical reply are persisted.
	require.Len(t, store.appends, 1)
	require.Equal(t, []domain.ChatMessage{
		userMsg("My laptop won't turn on"),
		{Role: domain.RoleAssistant, Content: "Please hold for technical support."},
		{Role: domain.RoleAssistant, Content: "Try holding the power button for 10 seconds."},
	}, store.appends[0].msgs)

	// The technical prompt sees trimmed history: its last entry is the
	// user message, not the frontline draft.
	require.Len(t, llm.prompts, 2)
	techPrompt := llm.prompts[1]
	require.Equal(t, domain.RoleUser, techPrompt[len(techPrompt)-1].Role)
}

func TestChat_TrimmingLeavesPersistedHistoryIntact(t *testing.T) {
	llm := &fakeLLM{results: []chatResult{
		{reply: "Transferring you to billing."},
		{reply: "Your invoice has been corrected."},
	}}
	cls := &fakeClassifier{results: []classifyResult{
		{d: domain.RepBilling},
		{d: domain.RepRespond},
	}}
	store := &fakeStore{}
	svc := newTestService(t, llm, cls, store, "")

	out, err := svc.Chat(context.Background(), ChatInput{Message: "I was double charged", ThreadID: "t-1"})
	require.NoError(t, err)
	require.Equal(t, "Your invoice has been corrected.", out.Message)

	// Billing prompt excludes the trailing frontline draft.
	billingPrompt := llm.prompts[1]
	require.Equal(t, domain.RoleUser, billingPrompt[len(billingPrompt)-1].Role)

	// The draft is still persisted verbatim.
	require.Len(t, store.appends, 1)
	require.Equal(t, "Transferring you to billing.", store.appends[0].msgs[1].Content)
}

func TestChat_BillingClassifiesOwnReply(t *testing.T) {
	llm := &fakeLLM{results: []chatResult{
		{reply: "Hold for billing."},
		{reply: "I will authorize a refund for you."},
	}}
	cls := &fakeClassifier{results: []classifyResult{
		{d: domain.RepBilling},
		{d: domain.RepRefund},
	}}
	store := &fakeStore{}
	svc := newTestService(t, llm, cls, store, "")

	out, err := svc.Chat(context.Background(), ChatInput{Message: "I want a refund", ThreadID: "t-1"})
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, out.Status)
	require.Empty(t, out.Message)

	// The refund classification material is the billing reply text, not the
	// conversation.
	require.Len(t, cls.requests, 2)
	require.Equal(t, []domain.Representative{domain.RepRefund, domain.RepRespond}, cls.requests[1].Labels)
	require.Len(t, cls.requests[1].Material, 1)
	require.Contains(t, cls.requests[1].Material[0].Content, "I will authorize a refund for you.")

	// Suspension persists the staged turn with the wait flag set.
	require.Len(t, store.appends, 1)
	require.Len(t, store.appends[0].msgs, 3)
	require.True(t, store.appends[0].meta.AwaitingRefund)
	require.Equal(t, domain.RepRefund, store.appends[0].meta.NextRepresentative)
}

func TestChat_RefundResumeUnauthorizedIsIdempotent(t *testing.T) {
	store := &fakeStore{state: domain.ConversationState{
		Messages:       []domain.ChatMessage{userMsg("I want a refund")},
		AwaitingRefund: true,
	}}
	svc := newTestService(t, &fakeLLM{}, &fakeClassifier{}, store, "")

	for i := 0; i < 3; i++ {
		out, err := svc.Chat(context.Background(), ChatInput{ThreadID: "t-1"})
		require.NoError(t, err)
		require.Equal(t, StatusSuspended, out.Status)
	}
	// Repeated unauthorized resumes append nothing.
	require.Empty(t, store.appends)
}

func TestChat_RefundResumeAuthorizedCompletes(t *testing.T) {
	store := &fakeStore{state: domain.ConversationState{
		Messages:         []domain.ChatMessage{userMsg("I want a refund")},
		AwaitingRefund:   true,
		RefundAuthorized: true,
	}}
	svc := newTestService(t, &fakeLLM{}, &fakeClassifier{}, store, "")

	out, err := svc.Chat(context.Background(), ChatInput{ThreadID: "t-1"})
	require.NoError(t, err)
	require.Equal(t, StatusDone, out.Status)
	require.Equal(t, "Refund processed!", out.Message)

	// Exactly one confirmation, wait flag cleared.
	require.Len(t, store.appends, 1)
	require.Equal(t, []domain.ChatMessage{
		{Role: domain.RoleAssistant, Content: "Refund processed!"},
	}, store.appends[0].msgs)
	require.False(t, store.appends[0].meta.AwaitingRefund)
}

func TestChat_ResumeWithMessageStagesIt(t *testing.T) {
	store := &fakeStore{state: domain.ConversationState{
		Messages:       []domain.ChatMessage{userMsg("I want a refund")},
		AwaitingRefund: true,
	}}
	svc := newTestService(t, &fakeLLM{}, &fakeClassifier{}, store, "")

	out, err := svc.Chat(context.Background(), ChatInput{Message: "Any update?", ThreadID: "t-1"})
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, out.Status)

	require.Len(t, store.appends, 1)
	require.Equal(t, []domain.ChatMessage{userMsg("Any update?")}, store.appends[0].msgs)
	require.True(t, store.appends[0].meta.AwaitingRefund)
}

func TestChat_EmptyMessageWithoutSuspensionIsInvalid(t *testing.T) {
	svc := newTestService(t, &fakeLLM{}, &fakeClassifier{}, &fakeStore{}, "")

	_, err := svc.Chat(context.Background(), ChatInput{Message: "   ", ThreadID: "t-1"})
	var ucErr *Error
	require.ErrorAs(t, err, &ucErr)
	require.Equal(t, ErrorInvalidInput, ucErr.Code)
}

func TestChat_StrictFallbackDiscardsDraft(t *testing.T) {
	llm := &fakeLLM{results: []chatResult{{reply: "Some draft reply"}}}
	cls := &fakeClassifier{results: []classifyResult{{err: fmt.Errorf("%w: garbage", ErrUnclassified)}}}
	store := &fakeStore{}
	svc := newTestService(t, llm, cls, store, FallbackStrict)

	out, err := svc.Chat(context.Background(), ChatInput{Message: "hello", ThreadID: "t-1"})
	require.NoError(t, err)
	require.Equal(t, StatusDone, out.Status)
	require.Equal(t, fallbackReply, out.Message)

	require.Len(t, store.appends, 1)
	require.Equal(t, []domain.ChatMessage{
		userMsg("hello"),
		{Role: domain.RoleAssistant, Content: fallbackReply},
	}, store.appends[0].msgs)
}

func TestChat_RespondFallbackKeepsDraft(t *testing.T) {
	llm := &fakeLLM{results: []chatResult{{reply: "Some draft reply"}}}
	cls := &fakeClassifier{results: []classifyResult{{err: fmt.Errorf("%w: garbage", ErrUnclassified)}}}
	store := &fakeStore{}
	svc := newTestService(t, llm, cls, store, FallbackRespond)

	out, err := svc.Chat(context.Background(), ChatInput{Message: "hello", ThreadID: "t-1"})
	require.NoError(t, err)
	require.Equal(t, "Some draft reply", out.Message)
	require.Equal(t, domain.RepRespond, store.appends[0].meta.NextRepresentative)
}

func TestChat_LabelWithoutEdgeUsesFallback(t *testing.T) {
	// REFUND has no edge from the initial state.
	llm := &fakeLLM{results: []chatResult{{reply: "draft"}}}
	cls := &fakeClassifier{results: []classifyResult{{d: domain.RepRefund}}}
	store := &fakeStore{}
	svc := newTestService(t, llm, cls, store, FallbackStrict)

	out, err := svc.Chat(context.Background(), ChatInput{Message: "hello", ThreadID: "t-1"})
	require.NoError(t, err)
	require.Equal(t, fallbackReply, out.Message)
}

func TestChat_RateLimitMapsToRateLimited(t *testing.T) {
	llm := &fakeLLM{results: []chatResult{{err: &statusErr{status: 429}}}}
	store := &fakeStore{}
	svc := newTestService(t, llm, &fakeClassifier{}, store, "")

	_, err := svc.Chat(context.Background(), ChatInput{Message: "hello", ThreadID: "t-1"})
	var ucErr *Error
	require.ErrorAs(t, err, &ucErr)
	require.Equal(t, ErrorRateLimited, ucErr.Code)
	require.Empty(t, store.appends)
}

func TestChat_UpstreamFaultMapsToUpstream(t *testing.T) {
	llm := &fakeLLM{results: []chatResult{{err: &statusErr{status: 500}}}}
	store := &fakeStore{}
	svc := newTestService(t, llm, &fakeClassifier{}, store, "")

	_, err := svc.Chat(context.Background(), ChatInput{Message: "hello", ThreadID: "t-1"})
	var ucErr *Error
	require.ErrorAs(t, err, &ucErr)
	require.Equal(t, ErrorUpstream, ucErr.Code)
	// Faulted turns persist nothing.
	require.Empty(t, store.appends)
}

func TestChat_ClassifierUpstreamFaultSurfaces(t *testing.T) {
	// A completion-service fault during classification surfaces as an
	// upstream error; only unparseable output goes through the fallback.
	llm := &fakeLLM{results: []chatResult{{reply: "draft"}}}
	cls := &fakeClassifier{results: []classifyResult{{err: &statusErr{status: 502}}}}
	svc := newTestService(t, llm, cls, &fakeStore{}, "")

	_, err := svc.Chat(context.Background(), ChatInput{Message: "hello", ThreadID: "t-1"})
	var ucErr *Error
	require.ErrorAs(t, err, &ucErr)
	require.Equal(t, ErrorUpstream, ucErr.Code)
}

func TestChat_HistoryCarriesAcrossTurns(t *testing.T) {
	llm := &fakeLLM{results: []chatResult{
		{reply: "Nice to meet you, Alex."},
		{reply: "Your name is Alex."},
	}}
	cls := &fakeClassifier{results: []classifyResult{
		{d: domain.RepRespond},
		{d: domain.RepRespond},
	}}
	store := newStatefulStore()
	svc := newTestService(t, llm, cls, store, "")

	_, err := svc.Chat(context.Background(), ChatInput{Message: "My name is Alex", ThreadID: "t-1"})
	require.NoError(t, err)
	out, err := svc.Chat(context.Background(), ChatInput{Message: "What's my name?", ThreadID: "t-1"})
	require.NoError(t, err)
	require.Equal(t, "Your name is Alex.", out.Message)

	// The second prompt contains the first turn verbatim.
	secondPrompt := llm.prompts[1]
	require.Contains(t, promptContents(secondPrompt), "My name is Alex")
	require.Contains(t, promptContents(secondPrompt), "Nice to meet you, Alex.")

	state, err := store.Get(context.Background(), "t-1")
	require.NoError(t, err)
	require.Len(t, state.Messages, 4)
}

func TestAuthorize(t *testing.T) {
	store := &fakeStore{}
	svc := newTestService(t, &fakeLLM{}, &fakeClassifier{}, store, "")

	require.Error(t, svc.Authorize(context.Background(), "  "))
	require.NoError(t, svc.Authorize(context.Background(), "t-1"))
	require.Equal(t, []bool{true}, store.authorized)
}

// statefulStore is a minimal accumulating store for multi-turn tests.
type statefulStore struct {
	threads map[string]*domain.ConversationState
}

func newStatefulStore() *statefulStore {
	return &statefulStore{threads: make(map[string]*domain.ConversationState)}
}

func (s *statefulStore) Get(_ context.Context, threadID string) (domain.ConversationState, error) {
	if t, ok := s.threads[threadID]; ok {
		return *t, nil
	}
	return domain.ConversationState{ThreadID: threadID}, nil
}

func (s *statefulStore) AppendTurn(_ context.Context, threadID string, msgs []domain.ChatMessage, meta domain.TurnMeta) error {
	t, ok := s.threads[threadID]
	if !ok {
		t = &domain.ConversationState{ThreadID: threadID}
		s.threads[threadID] = t
	}
	t.Messages = append(t.Messages, msgs...)
	t.NextRepresentative = meta.NextRepresentative
	t.AwaitingRefund = meta.AwaitingRefund
	return nil
}

func (s *statefulStore) SetRefundAuthorized(_ context.Context, threadID string, authorized bool) error {
	t, ok := s.threads[threadID]
	if !ok {
		t = &domain.ConversationState{ThreadID: threadID}
		s.threads[threadID] = t
	}
	t.RefundAuthorized = authorized
	return nil
}

func promptContents(msgs []domain.ChatMessage) string {
	var out string
	for _, m := range msgs {
		out += m.Content + "\n"
	}
	return out
}
