package usecase

import (
	"context"

	"support-agent/internal/domain"
)

// initialSupport generates the frontline reply over the full history, then
// classifies the conversation to decide the next hop. The classification
// error (if any) is returned alongside the draft reply so the router can
// apply its fallback policy.
func (s *ChatService) initialSupport(ctx context.Context, model string, history []domain.ChatMessage) (domain.ChatMessage, domain.Representative, error) {
	prompt := withSystem(initialSystemTemplate, lastN(history, s.maxHistory))
	content, err := s.llm.Chat(ctx, model, prompt)
	if err != nil {
		return domain.ChatMessage{}, "", err
	}
	reply := assistantMessage(content)

	recent := lastN(history, s.maxHistory)
	material := make([]domain.ChatMessage, 0, len(recent)+1)
	material = append(material, recent...)
	material = append(material, domain.ChatMessage{
		Role:    domain.RoleUser,
		Content: initialClassifyHuman,
	})
	d, err := s.classifier.Classify(ctx, ClassifyRequest{
		Model:       model,
		Instruction: initialClassifySystem,
		Material:    material,
		Labels:      []domain.Representative{domain.RepBilling, domain.RepTechnical, domain.RepRespond},
	})
	if err != nil {
		return reply, "", err
	}
	return reply, d, nil
}

// billingSupport generates the billing reply over trimmed history, then
// classifies its own reply text (not the conversation) for a refund
// decision. A REFUND decision only selects the next hop, it does not itself
// process the refund.
func (s *ChatService) billingSupport(ctx context.Context, model string, history []domain.ChatMessage) (domain.ChatMessage, domain.Representative, error) {
	trimmed := trimTrailingAssistant(history)
	prompt := withSystem(billingSystemTemplate, lastN(trimmed, s.maxHistory))
	content, err := s.llm.Chat(ctx, model, prompt)
	if err != nil {
		return domain.ChatMessage{}, "", err
	}
	reply := assistantMessage(content)

	d, err := s.classifier.Classify(ctx, ClassifyRequest{
		Model:       model,
		Instruction: billingClassifySystem,
		Material:    billingClassifyMaterial(content),
		Labels:      []domain.Representative{domain.RepRefund, domain.RepRespond},
	})
	if err != nil {
		return reply, "", err
	}
	return reply, d, nil
}

// technicalSupport generates the technical reply over trimmed history and
// always terminates the turn.
func (s *ChatService) technicalSupport(ctx context.Context, model string, history []domain.ChatMessage) (domain.ChatMessage, error) {
	trimmed := trimTrailingAssistant(history)
	prompt := withSystem(technicalSystemTemplate, lastN(trimmed, s.maxHistory))
	content, err := s.llm.Chat(ctx, model, prompt)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	return assistantMessage(content), nil
}
