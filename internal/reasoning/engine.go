package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/oddsworks/vigil/internal/feed"
	"github.com/oddsworks/vigil/internal/rules"
)

// Analysis is the classifier output for one post.
type Analysis struct {
	Relevant         bool    `json:"relevant"`
	RelevanceScore   float64 `json:"relevance_score"`
	Sentiment        string  `json:"sentiment"`
	CredibilityScore float64 `json:"credibility_score"`
	Insights         string  `json:"insights"`
	Priority         string  `json:"priority"`
	Confidence       float64 `json:"confidence"`
}

// DigestEntry is the per-item summary fed into digest synthesis.
type DigestEntry struct {
	Author    string
	Insights  string
	Priority  string
	Sentiment string
}

// RulesetRequest carries the event details used to seed plan generation.
type RulesetRequest struct {
	EventKey      string
	Question      string
	Description   string
	Category      string
	MarketContext string
}

type completer interface {
	Complete(ctx context.Context, system, user string, maxTokens int) (string, error)
}

// Engine runs the four reasoning tasks: plan generation, post classification,
// digest synthesis, and plan refinement. Parse failures are returned as
// errors for callers to treat as soft failures.
type Engine struct {
	llm    completer
	logger *slog.Logger
}

func NewEngine(llm completer, logger *slog.Logger) *Engine {
	return &Engine{llm: llm, logger: logger}
}

// GenerateRuleset asks the model for an initial monitoring plan.
func (e *Engine) GenerateRuleset(ctx context.Context, req RulesetRequest) (*rules.Ruleset, error) {
	marketContext := req.MarketContext
	if marketContext == "" {
		marketContext = "No market context available."
	}

	prompt := fmt.Sprintf(generateRulesetPrompt,
		req.Question, req.Description, req.Category, req.EventKey, marketContext)

	raw, err := e.llm.Complete(ctx, systemPrompt, prompt, 2500)
	if err != nil {
		return nil, fmt.Errorf("generate ruleset: %w", err)
	}

	rs, err := rules.ParseRuleset([]byte(extractJSON(raw)))
	if err != nil {
		e.logger.Error("failed to parse generated ruleset", "event", req.EventKey, "error", err)
		return nil, fmt.Errorf("parse generated ruleset: %w", err)
	}

	e.logger.Info("generated ruleset",
		"event", req.EventKey,
		"accounts", len(rs.Accounts),
		"priority_nodes", len(rs.PriorityNodes),
	)
	return rs, nil
}

// AnalyzePost classifies one post against the event question and ruleset.
func (e *Engine) AnalyzePost(ctx context.Context, question string, rs *rules.Ruleset, post feed.Post) (*Analysis, error) {
	prompt := fmt.Sprintf(analyzePostPrompt,
		question, post.Author.Handle, post.Text,
		rs.Filters.RelevanceThreshold, rs.Filters.CredibilityThreshold)

	raw, err := e.llm.Complete(ctx, systemPrompt, prompt, 500)
	if err != nil {
		return nil, fmt.Errorf("analyze post: %w", err)
	}

	var analysis Analysis
	if err := json.Unmarshal([]byte(extractJSON(raw)), &analysis); err != nil {
		e.logger.Error("failed to parse post analysis", "error", err, "raw", raw)
		return nil, fmt.Errorf("parse analysis: %w", err)
	}
	return &analysis, nil
}

// SynthesizeDigest condenses the past hour's entries into delivery text.
func (e *Engine) SynthesizeDigest(ctx context.Context, question string, entries []DigestEntry) (string, error) {
	if len(entries) == 0 {
		return "", fmt.Errorf("no entries to synthesize")
	}

	// Cap the prompt at the 20 most recent entries.
	if len(entries) > 20 {
		entries = entries[len(entries)-20:]
	}

	var lines []string
	for i, entry := range entries {
		lines = append(lines, fmt.Sprintf("%d. @%s: %s (Priority: %s, Sentiment: %s)",
			i+1, entry.Author, entry.Insights, entry.Priority, entry.Sentiment))
	}

	prompt := fmt.Sprintf(synthesizeDigestPrompt, question, len(entries), strings.Join(lines, "\n"))

	digest, err := e.llm.Complete(ctx, systemPrompt, prompt, 1000)
	if err != nil {
		return "", fmt.Errorf("synthesize digest: %w", err)
	}
	return digest, nil
}

// RefineRuleset asks the model to revise the plan given accumulated metrics.
// The caller keeps the current ruleset when this returns an error.
func (e *Engine) RefineRuleset(ctx context.Context, eventKey string, current *rules.Ruleset, metrics any) (*rules.Ruleset, error) {
	currentJSON, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal current ruleset: %w", err)
	}
	metricsJSON, err := json.MarshalIndent(metrics, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal metrics: %w", err)
	}

	prompt := fmt.Sprintf(refineRulesetPrompt, currentJSON, metricsJSON)

	raw, err := e.llm.Complete(ctx, systemPrompt, prompt, 2500)
	if err != nil {
		return nil, fmt.Errorf("refine ruleset: %w", err)
	}

	rs, err := rules.ParseRuleset([]byte(extractJSON(raw)))
	if err != nil {
		e.logger.Error("failed to parse refined ruleset", "event", eventKey, "error", err)
		return nil, fmt.Errorf("parse refined ruleset: %w", err)
	}

	e.logger.Info("refined ruleset", "event", eventKey, "accounts", len(rs.Accounts))
	return rs, nil
}

// extractJSON strips markdown code fences the model sometimes wraps around
// its JSON output.
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		parts := strings.SplitN(s, "```", 3)
		if len(parts) >= 2 {
			s = parts[1]
		}
		s = strings.TrimPrefix(s, "json")
	}
	return strings.TrimSpace(s)
}
