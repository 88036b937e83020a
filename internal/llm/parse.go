package llm

import (
	"encoding/json"
	"strings"

	"github.com/skald-rpg/engine/internal/domain"
)

// extractJSON tolerates models that wrap their JSON in a fenced code
// block or surrounding prose. It returns the outermost {...} object.
func extractJSON(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", domain.NewEngineError(domain.ErrDecisionUnparsable.Code,
			"response contains no JSON object")
	}
	return s[start : end+1], nil
}

// ParseGuardDecision parses and validates a guard verdict. Any structural
// or enum violation yields ErrDecisionUnparsable so the caller can fall
// back to its deterministic rejection path.
func ParseGuardDecision(raw string) (domain.GuardDecision, error) {
	body, err := extractJSON(raw)
	if err != nil {
		return domain.GuardDecision{}, err
	}
	var d domain.GuardDecision
	if err := json.Unmarshal([]byte(body), &d); err != nil {
		return domain.GuardDecision{}, domain.WrapEngineError(
			domain.ErrDecisionUnparsable.Code, "guard decision is not valid JSON", err)
	}
	switch d.Status {
	case domain.GuardValid, domain.GuardReject, domain.GuardImprov, domain.GuardNeedsInput:
	default:
		return domain.GuardDecision{}, domain.NewEngineError(
			domain.ErrDecisionUnparsable.Code, "unknown guard status "+string(d.Status))
	}
	if d.Status == domain.GuardNeedsInput && d.Prompt == nil {
		return domain.GuardDecision{}, domain.NewEngineError(
			domain.ErrDecisionUnparsable.Code, "needs_player_input verdict without a prompt")
	}
	if d.Patch != nil && d.Status != domain.GuardImprov {
		return domain.GuardDecision{}, domain.NewEngineError(
			domain.ErrDecisionUnparsable.Code, "module patch outside an improv verdict")
	}
	return d, nil
}

// ParsePlotDirective parses the director's advisory output. It is lenient
// about content but still requires valid JSON so garbage never reaches
// the agents.
func ParsePlotDirective(raw string) (domain.PlotDirective, error) {
	body, err := extractJSON(raw)
	if err != nil {
		return domain.PlotDirective{}, err
	}
	var d domain.PlotDirective
	if err := json.Unmarshal([]byte(body), &d); err != nil {
		return domain.PlotDirective{}, domain.WrapEngineError(
			domain.ErrDecisionUnparsable.Code, "plot directive is not valid JSON", err)
	}
	return d, nil
}

// ParseDomainResult parses and validates a domain agent's result.
func ParseDomainResult(raw string) (domain.DomainResult, error) {
	body, err := extractJSON(raw)
	if err != nil {
		return domain.DomainResult{}, err
	}
	var r domain.DomainResult
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return domain.DomainResult{}, domain.WrapEngineError(
			domain.ErrDecisionUnparsable.Code, "domain result is not valid JSON", err)
	}
	switch r.Status {
	case domain.ResultCompleted, domain.ResultContinue, domain.ResultNeedsInput, domain.ResultError:
	default:
		return domain.DomainResult{}, domain.NewEngineError(
			domain.ErrDecisionUnparsable.Code, "unknown result status "+string(r.Status))
	}
	if r.Status == domain.ResultContinue && r.NextAgent == "" {
		return domain.DomainResult{}, domain.NewEngineError(
			domain.ErrDecisionUnparsable.Code, "continue result without a next agent")
	}
	if r.Status == domain.ResultNeedsInput && r.Prompt == nil {
		return domain.DomainResult{}, domain.NewEngineError(
			domain.ErrDecisionUnparsable.Code, "needs_player_input result without a prompt")
	}
	for _, ec := range deltaEntities(r.Delta) {
		switch ec.Op {
		case domain.OpSet, domain.OpAdd, domain.OpRemove:
		default:
			return domain.DomainResult{}, domain.NewEngineError(
				domain.ErrDecisionUnparsable.Code, "unknown change op "+string(ec.Op))
		}
	}
	return r, nil
}

func deltaEntities(d *domain.StateDelta) []domain.EntityChange {
	if d == nil {
		return nil
	}
	return d.Entities
}

// curatedFact is the curator's wire shape for one promoted fact.
type curatedFact struct {
	Text       string   `json:"text"`
	Tags       []string `json:"tags,omitempty"`
	EntityRefs []string `json:"entity_refs,omitempty"`
	QuestID    string   `json:"quest_id,omitempty"`
	Citations  []int64  `json:"citations"`
	Supersedes []string `json:"supersedes,omitempty"`
}

// CuratedFact is one fact the curator proposes for promotion, plus the
// fact ids it supersedes.
type CuratedFact struct {
	Fact       domain.Fact
	Supersedes []string
}

// ParseCuratedFacts parses the curator's `{"facts": [...]}` envelope.
// Facts without citations are dropped rather than failing the batch.
func ParseCuratedFacts(raw string) ([]CuratedFact, error) {
	body, err := extractJSON(raw)
	if err != nil {
		return nil, err
	}
	var envelope struct {
		Facts []curatedFact `json:"facts"`
	}
	if err := json.Unmarshal([]byte(body), &envelope); err != nil {
		return nil, domain.WrapEngineError(
			domain.ErrDecisionUnparsable.Code, "curated facts are not valid JSON", err)
	}
	out := make([]CuratedFact, 0, len(envelope.Facts))
	for _, f := range envelope.Facts {
		if strings.TrimSpace(f.Text) == "" || len(f.Citations) == 0 {
			continue
		}
		out = append(out, CuratedFact{
			Fact: domain.Fact{
				Text:       f.Text,
				Tags:       f.Tags,
				EntityRefs: f.EntityRefs,
				QuestID:    f.QuestID,
				Citations:  f.Citations,
			},
			Supersedes: f.Supersedes,
		})
	}
	return out, nil
}
