package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"support-agent/internal/domain"
)

// Worker names the supervisor can dispatch to, plus the finish sentinel.
const (
	workerCustomerService = "customer_service"
	workerValidateCity    = "validate_city"
	routeFinish           = "FINISH"
)

const (
	maxSupervisorHops = 3
	maxToolIterations = 5
)

const supervisorSystemTemplate = `You are a supervisor tasked with managing a conversation between the following workers: customer_service, validate_city. Given the following user request, respond with the worker to act next. Each worker will perform a task and respond with their results and status. When finished, respond with FINISH.`

const supervisorRouteHuman = `Given the conversation above, who should act next? Or should we FINISH? Select one of: FINISH, customer_service, validate_city`

const customerServiceSystemTemplate = `You are a web customer service agent. You can use the contact tool to give the customer sales contact information.`

const validateCitySystemTemplate = `You are a city validator. Use the validate_city tool to check if the city is within the service area.`

// noWorkerReply mirrors the original behavior when no worker produced a
// usable reply before the hop limit.
const noWorkerReply = "No response from any agent"

// contactPayload is the fixed sales-contact channel returned by the contact
// tool.
const contactPayload = `{"whatsapp":"https://wa.me/573335655669","description":"Linea de atención especializada para ventas."}`

var (
	routeTool = domain.ToolDefinition{
		Name:        "route",
		Description: "Select the next role.",
		Parameters:  json.RawMessage(`{"type":"object","additionalProperties":false,"properties":{"next":{"type":"string","enum":["FINISH","customer_service","validate_city"]}},"required":["next"]}`),
	}
	contactTool = domain.ToolDefinition{
		Name:        "contacto_servicio_cliente",
		Description: "Brinda el canal de contacto para ventas y servicios.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
	}
	validateCityTool = domain.ToolDefinition{
		Name:        "validate_city",
		Description: "Valida si la ciudad ingresada por el cliente está dentro del área de cobertura y, si no lo está, entrega la línea de atención correspondiente.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}`),
	}
)

// ToolLLMClient is the completion contract for tool-calling agents. An empty
// forceTool leaves tool choice to the model.
type ToolLLMClient interface {
	ChatTools(ctx context.Context, model string, messages []domain.ChatMessage, tools []domain.ToolDefinition, forceTool string) (domain.ChatMessage, error)
}

// CoverageChecker resolves a free-text city name to a coverage reply.
type CoverageChecker interface {
	Validate(city string) string
}

// SupervisorService is the alternate turn strategy: a supervisor picks the
// next worker via a forced tool call, workers are tool-calling agents, and
// the loop runs until the supervisor answers FINISH. It shares the thread
// store and atomic persistence rules with ChatService.
type SupervisorService struct {
	llm        ToolLLMClient
	store      ConversationStore
	coverage   CoverageChecker
	config     *modelConfig
	maxHistory int
	locks      *threadLocks
}

func NewSupervisorService(params ParamGetter, llm ToolLLMClient, store ConversationStore, coverage CoverageChecker, paramPrefix string, maxHistory int) (*SupervisorService, error) {
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if coverage == nil {
		return nil, errors.New("usecase: coverage checker must not be nil")
	}
	config, err := newModelConfig(params, paramPrefix)
	if err != nil {
		return nil, err
	}
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	return &SupervisorService{
		llm:        llm,
		store:      store,
		coverage:   coverage,
		config:     config,
		maxHistory: maxHistory,
		locks:      newThreadLocks(),
	}, nil
}

// Chat executes one supervised turn for the given thread.
func (s *SupervisorService) Chat(ctx context.Context, in ChatInput) (ChatOutput, error) {
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
	if message == "" {
		return ChatOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	}

	working := make([]domain.ChatMessage, len(state.Messages), len(state.Messages)+4)
	copy(working, state.Messages)
	userMsg := domain.ChatMessage{Role: domain.RoleUser, Content: message}
	working = append(working, userMsg)
	staged := []domain.ChatMessage{userMsg}

	for hop := 0; hop < maxSupervisorHops; hop++ {
		next, err := s.routeNext(ctx, model, working)
		if err != nil {
			if errors.Is(err, ErrUnclassified) {
				break
			}
			return ChatOutput{}, wrapLLMError("supervisor_route_error", err)
		}
		if next == routeFinish {
			break
		}
		reply, err := s.runWorker(ctx, model, next, working)
		if err != nil {
			return ChatOutput{}, wrapLLMError("supervisor_worker_error", err)
		}
		working = append(working, reply)
		staged = append(staged, reply)
	}

	if lastAssistantContent(staged) == "" {
		fallback := assistantMessage(noWorkerReply)
		staged = append(staged, fallback)
	}

	if err := s.store.AppendTurn(ctx, threadID, staged, domain.TurnMeta{}); err != nil {
		return ChatOutput{}, newError(ErrorInternal, "state_write_error", err)
	}
	return ChatOutput{
		Message:  lastAssistantContent(staged),
		ThreadID: threadID,
		Status:   StatusDone,
	}, nil
}

// Authorize keeps the boundary uniform across strategies; the supervised
// flow has no refund gate but the authorization flag is thread state either
// way.
func (s *SupervisorService) Authorize(ctx context.Context, threadID string) error {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return newError(ErrorInvalidInput, "empty_thread_id", nil)
	}
	if err := s.store.SetRefundAuthorized(ctx, threadID, true); err != nil {
		return newError(ErrorInternal, "state_write_error", err)
	}
	return nil
}

// routeNext asks the supervisor which worker acts next, forcing the route
// tool so the answer arrives as a structured payload.
func (s *SupervisorService) routeNext(ctx context.Context, model string, history []domain.ChatMessage) (string, error) {
	msgs := withSystem(supervisorSystemTemplate, lastN(history, s.maxHistory))
	msgs = append(msgs, domain.ChatMessage{Role: domain.RoleUser, Content: supervisorRouteHuman})

	resp, err := s.llm.ChatTools(ctx, model, msgs, []domain.ToolDefinition{routeTool}, routeTool.Name)
	if err != nil {
		return "", err
	}
	if len(resp.ToolCalls) == 0 {
		return "", fmt.Errorf("%w: supervisor returned no route call", ErrUnclassified)
	}
	var args struct {
		Next string `json:"next"`
	}
	if err := json.Unmarshal(resp.ToolCalls[0].Arguments, &args); err != nil {
		return "", fmt.Errorf("%w: decode route arguments: %v", ErrUnclassified, err)
	}
	switch args.Next {
	case routeFinish, workerCustomerService, workerValidateCity:
		return args.Next, nil
	}
	return "", fmt.Errorf("%w: unknown worker %q", ErrUnclassified, args.Next)
}

// runWorker drives one tool-calling agent to a final text reply, executing
// requested tool calls locally between completions.
func (s *SupervisorService) runWorker(ctx context.Context, model, worker string, history []domain.ChatMessage) (domain.ChatMessage, error) {
	var (
		system string
		tool   domain.ToolDefinition
	)
	switch worker {
	case workerCustomerService:
		system, tool = customerServiceSystemTemplate, contactTool
	case workerValidateCity:
		system, tool = validateCitySystemTemplate, validateCityTool
	default:
		return domain.ChatMessage{}, fmt.Errorf("usecase: unknown worker %q", worker)
	}

	msgs := withSystem(system, lastN(history, s.maxHistory))
	for iter := 0; iter < maxToolIterations; iter++ {
		resp, err := s.llm.ChatTools(ctx, model, msgs, []domain.ToolDefinition{tool}, "")
		if err != nil {
			return domain.ChatMessage{}, err
		}
		if len(resp.ToolCalls) == 0 {
			return assistantMessage(resp.Content), nil
		}
		msgs = append(msgs, resp)
		for _, call := range resp.ToolCalls {
			msgs = append(msgs, domain.ChatMessage{
				Role:       domain.RoleTool,
				Content:    s.execTool(call),
				ToolCallID: call.ID,
			})
		}
	}
	return domain.ChatMessage{}, fmt.Errorf("usecase: worker %q exceeded tool iteration limit", worker)
}

func (s *SupervisorService) execTool(call domain.ToolCall) string {
	switch call.Name {
	case contactTool.Name:
		return contactPayload
	case validateCityTool.Name:
		var args struct {
			City string `json:"city"`
		}
		if err := json.Unmarshal(call.Arguments, &args); err != nil || strings.TrimSpace(args.City) == "" {
			return `{"error":"city is required"}`
		}
		return s.coverage.Validate(args.City)
	}
	return `{"error":"unknown tool"}`
}
