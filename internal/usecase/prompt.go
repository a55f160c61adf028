package usecase

import (
	"fmt"

	"support-agent/internal/domain"
)

const initialSystemTemplate = `You are frontline support staff for LangCorp, a company that sells computers.
Be concise in your responses.
You can chat with customers and help them with basic questions, but if the customer is having a billing or technical problem,
do not try to answer the question directly or gather information.
Instead, immediately transfer them to the billing or technical team by asking the user to hold for a moment.
Otherwise, just respond conversationally.`

const initialClassifySystem = `You are an expert customer support routing system.
Your job is to detect whether a customer support representative is routing a user to a billing team or a technical team, or if they are just responding conversationally.`

const initialClassifyHuman = `The previous conversation is an interaction between a customer support representative and a user.
Extract whether the representative is routing the user to a billing or technical team, or whether they are just responding conversationally.
Return your answer as a JSON object with a single key "nextRepresentative" whose value is one of:
- "BILLING" (if routing to billing),
- "TECHNICAL" (if routing to technical), or
- "RESPOND" (if just responding).`

const billingSystemTemplate = `You are an expert billing support specialist for LangCorp, a company that sells computers.
Help the user to the best of your ability, but be concise in your responses.
You have the ability to authorize refunds, which you can do by transferring the user to another agent who will collect the required information.
If you do, assume the other agent has all necessary information about the customer and their order.
You do not need to ask the user for more information.`

const billingClassifySystem = `Your job is to detect whether a billing support representative wants to refund the user.`

const billingClassifyHuman = `The following text is a response from a customer support representative.
Extract whether they want to refund the user or not.
Return your answer as a JSON object with a single key "nextRepresentative" whose value is:
- "REFUND" if they want to refund the user,
- "RESPOND" if they do not want to refund the user.

Here is the text:

<text>
%s
</text>`

const technicalSystemTemplate = `You are an expert at diagnosing technical computer issues. You work for a company called LangCorp that sells computers.
Help the user to the best of your ability, but be concise in your responses.`

// refundProcessedMessage is the fixed confirmation appended when an
// authorized refund completes.
const refundProcessedMessage = "Refund processed!"

// fallbackReply is the terminal reply used when a routing decision could not
// be extracted from the classifier output.
const fallbackReply = "Sorry, we hit a snag while routing your request. Please try again in a moment."

func billingClassifyMaterial(replyText string) []domain.ChatMessage {
	return []domain.ChatMessage{{
		Role:    domain.RoleUser,
		Content: fmt.Sprintf(billingClassifyHuman, replyText),
	}}
}

// withSystem prefixes history with a role-specific system directive.
func withSystem(system string, history []domain.ChatMessage) []domain.ChatMessage {
	msgs := make([]domain.ChatMessage, 0, len(history)+1)
	msgs = append(msgs, domain.ChatMessage{Role: domain.RoleSystem, Content: system})
	return append(msgs, history...)
}

// trimTrailingAssistant drops a trailing assistant message so the user's
// latest turn is the final entry the handler reasons over. It never mutates
// the persisted history, only the prompt being built.
func trimTrailingAssistant(history []domain.ChatMessage) []domain.ChatMessage {
	if n := len(history); n > 0 && history[n-1].Role == domain.RoleAssistant {
		return history[:n-1]
	}
	return history
}

// lastN caps a prompt to the most recent n messages.
func lastN(history []domain.ChatMessage, n int) []domain.ChatMessage {
	if n > 0 && len(history) > n {
		return history[len(history)-n:]
	}
	return history
}

func assistantMessage(content string) domain.ChatMessage {
	return domain.ChatMessage{Role: domain.RoleAssistant, Content: content}
}
