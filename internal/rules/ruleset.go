package rules

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Priority node kinds. Each kind has its own matching semantics; see
// CheckPriority.
const (
	NodeAccountSpecific = "account_specific"
	NodeAccountAny      = "account_any"
	NodeKeywordCritical = "keyword_critical"
	NodeBreakingNews    = "breaking_news"
)

// MaxAccounts bounds how many feed accounts one ruleset may watch.
const MaxAccounts = 10

// PriorityNode is one trigger spec from the reasoning model. It is a tagged
// variant: Kind selects which of the remaining fields are meaningful.
type PriorityNode struct {
	Kind         string   `json:"type"`
	Account      string   `json:"account,omitempty"`
	Keywords     []string `json:"keywords,omitempty"`
	MinFollowers int      `json:"min_followers,omitempty"`
	VerifiedOnly *bool    `json:"verified_only,omitempty"`
	Reason       string   `json:"reason,omitempty"`
}

// RequiresVerified reports whether a breaking_news node is restricted to
// verified authors. A node that omits verified_only is restricted: breaking
// news from arbitrary unverified accounts must not trigger the priority
// bypass by default.
func (n PriorityNode) RequiresVerified() bool {
	return n.VerifiedOnly == nil || *n.VerifiedOnly
}

// Filters are the post-classification acceptance thresholds.
type Filters struct {
	RelevanceThreshold   float64  `json:"relevance_threshold"`
	CredibilityThreshold float64  `json:"credibility_threshold"`
	ExcludePatterns      []string `json:"exclude_patterns,omitempty"`
}

// Ruleset is the monitoring plan for one event. It is an immutable snapshot:
// refinement replaces the whole object, never patches it in place.
type Ruleset struct {
	Accounts         []string            `json:"accounts"`
	Keywords         []string            `json:"keywords"`
	PriorityNodes    []PriorityNode      `json:"priority_nodes,omitempty"`
	Filters          Filters             `json:"filters"`
	PriorityRules    map[string][]string `json:"priority_rules,omitempty"`
	BudgetAllocation map[string]float64  `json:"budget_allocation,omitempty"`
}

// ParseRuleset validates raw model output into a Ruleset. Any structural
// problem is an error; callers treat it as a soft failure and keep the
// previous ruleset.
func ParseRuleset(raw []byte) (*Ruleset, error) {
	var rs Ruleset
	if err := json.Unmarshal(raw, &rs); err != nil {
		return nil, fmt.Errorf("unmarshal ruleset: %w", err)
	}
	if err := rs.validate(); err != nil {
		return nil, err
	}
	return &rs, nil
}

func (rs *Ruleset) validate() error {
	if len(rs.Accounts) == 0 {
		return fmt.Errorf("ruleset has no accounts")
	}
	if len(rs.Accounts) > MaxAccounts {
		rs.Accounts = rs.Accounts[:MaxAccounts]
	}
	for i, acc := range rs.Accounts {
		rs.Accounts[i] = NormalizeHandle(acc)
	}

	for i, node := range rs.PriorityNodes {
		switch node.Kind {
		case NodeAccountSpecific:
			if node.Account == "" || len(node.Keywords) == 0 {
				return fmt.Errorf("priority node %d: account_specific needs account and keywords", i)
			}
		case NodeAccountAny:
			if node.Account == "" {
				return fmt.Errorf("priority node %d: account_any needs account", i)
			}
		case NodeKeywordCritical:
			if len(node.Keywords) == 0 {
				return fmt.Errorf("priority node %d: keyword_critical needs keywords", i)
			}
		case NodeBreakingNews:
			if len(node.Keywords) == 0 {
				return fmt.Errorf("priority node %d: breaking_news needs keywords", i)
			}
		default:
			return fmt.Errorf("priority node %d: unknown type %q", i, node.Kind)
		}
	}

	rs.Filters.RelevanceThreshold = clamp01(rs.Filters.RelevanceThreshold)
	rs.Filters.CredibilityThreshold = clamp01(rs.Filters.CredibilityThreshold)
	return nil
}

// WatchesAccount reports whether the ruleset watches the given handle.
func (rs *Ruleset) WatchesAccount(handle string) bool {
	h := NormalizeHandle(handle)
	for _, acc := range rs.Accounts {
		if acc == h {
			return true
		}
	}
	return false
}

// NormalizeHandle lowercases a handle and strips a leading @.
func NormalizeHandle(handle string) string {
	return strings.TrimPrefix(strings.ToLower(handle), "@")
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(text, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
