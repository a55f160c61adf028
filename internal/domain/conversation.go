package domain

// Representative is a routing decision label produced by a classification
// step. Each handler classifies against its own closed subset of these.
type Representative string

const (
	RepBilling   Representative = "BILLING"
	RepTechnical Representative = "TECHNICAL"
	RepRespond   Representative = "RESPOND"
	RepRefund    Representative = "REFUND"
)

// ConversationState is the per-thread state one turn reads and appends to.
// Messages are append-only; NextRepresentative is only meaningful for the
// router step immediately after the classification that set it.
type ConversationState struct {
	ThreadID           string
	Messages           []ChatMessage
	NextRepresentative Representative
	RefundAuthorized   bool
	AwaitingRefund     bool
}

// TurnMeta carries the routing fields a completed or suspended turn writes
// back alongside its messages. The refund-authorization flag is deliberately
// absent: it is set only through the store's SetRefundAuthorized operation.
type TurnMeta struct {
	NextRepresentative Representative
	AwaitingRefund     bool
}
