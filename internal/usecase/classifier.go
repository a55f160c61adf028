package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"support-agent/internal/domain"
)

// classifierField is the single key the classification payload is returned
// under, both in the structured-output schema and the raw-JSON fallback.
const classifierField = "nextRepresentative"

// ErrUnclassified reports that the completion service returned output that is
// neither a valid structured payload nor parseable text carrying one of the
// allowed labels. The router resolves it according to its fallback policy;
// the classifier itself never defaults.
var ErrUnclassified = errors.New("usecase: classifier output carries no routing label")

// ClassifyRequest names the material to classify and the closed set of
// allowed labels for one classification step.
type ClassifyRequest struct {
	Model       string
	Instruction string
	Material    []domain.ChatMessage
	Labels      []domain.Representative
}

// Classifier maps free-form material to exactly one label from a closed set.
type Classifier interface {
	Classify(ctx context.Context, req ClassifyRequest) (domain.Representative, error)
}

// LLMClassifier classifies by invoking the completion service with a
// structured-output constraint naming the allowed labels.
type LLMClassifier struct {
	llm LLMClient
}

func NewLLMClassifier(llm LLMClient) (*LLMClassifier, error) {
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	return &LLMClassifier{llm: llm}, nil
}

func (c *LLMClassifier) Classify(ctx context.Context, req ClassifyRequest) (domain.Representative, error) {
	if len(req.Labels) == 0 {
		return "", errors.New("usecase: classify requires at least one allowed label")
	}
	labels := make([]string, len(req.Labels))
	for i, l := range req.Labels {
		labels[i] = string(l)
	}
	msgs := withSystem(req.Instruction, req.Material)
	raw, err := c.llm.ChatConstrained(ctx, req.Model, msgs, domain.LabelConstraint{
		Name:   "categorize",
		Field:  classifierField,
		Labels: labels,
	})
	if err != nil {
		return "", err
	}
	return parseRoutingLabel(raw, req.Labels)
}

// parseRoutingLabel extracts the decision from classifier output. It first
// decodes the structured payload; if the service did not honor the
// constraint, the raw text itself is treated as the label-bearing payload.
func parseRoutingLabel(raw string, allowed []domain.Representative) (domain.Representative, error) {
	trimmed := strings.TrimSpace(raw)

	var payload struct {
		NextRepresentative string `json:"nextRepresentative"`
	}
	if err := json.Unmarshal([]byte(trimmed), &payload); err == nil {
		if label, ok := matchLabel(payload.NextRepresentative, allowed); ok {
			return label, nil
		}
	}

	bare := strings.Trim(trimmed, "\"'` \n")
	if label, ok := matchLabel(bare, allowed); ok {
		return label, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnclassified, clip(trimmed, 120))
}

// matchLabel compares a candidate against the closed enumeration by exact
// (case-insensitive) equality, never by substring.
func matchLabel(candidate string, allowed []domain.Representative) (domain.Representative, bool) {
	candidate = strings.TrimSpace(candidate)
	for _, l := range allowed {
		if strings.EqualFold(candidate, string(l)) {
			return l, true
		}
	}
	return "", false
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// KeywordClassifier is the deterministic offline strategy: it matches the
// material against fixed per-label patterns and defaults to RESPOND when
// nothing matches. Useful for local runs and tests where completion-service
// calls are undesirable.
type KeywordClassifier struct{}

func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{}
}

var labelPatterns = map[domain.Representative]*regexp.Regexp{
	domain.RepBilling:   regexp.MustCompile(`(?i)billing|facturación`),
	domain.RepTechnical: regexp.MustCompile(`(?i)technical|técnico`),
	domain.RepRefund:    regexp.MustCompile(`(?i)refund|reembolso`),
}

func (c *KeywordClassifier) Classify(_ context.Context, req ClassifyRequest) (domain.Representative, error) {
	if len(req.Labels) == 0 {
		return "", errors.New("usecase: classify requires at least one allowed label")
	}
	var sb strings.Builder
	for _, m := range req.Material {
		sb.WriteString(m.Content)
		sb.WriteByte('\n')
	}
	text := sb.String()

	respondAllowed := false
	for _, label := range req.Labels {
		if label == domain.RepRespond {
			respondAllowed = true
			continue
		}
		if p, ok := labelPatterns[label]; ok && p.MatchString(text) {
			return label, nil
		}
	}
	if respondAllowed {
		return domain.RepRespond, nil
	}
	return "", fmt.Errorf("%w: no keyword match", ErrUnclassified)
}
