package rules

import (
	"strings"

	"github.com/oddsworks/vigil/internal/feed"
)

// CheckPriority matches a post against the ruleset's priority nodes in list
// order and returns on the first hit. A match bypasses the pre-filter and the
// relevance/credibility thresholds, and forces high priority on the result.
func CheckPriority(post feed.Post, rs *Ruleset) (bool, string) {
	if len(rs.PriorityNodes) == 0 {
		return false, ""
	}

	author := NormalizeHandle(post.Author.Handle)
	text := strings.ToLower(post.Text)

	for _, node := range rs.PriorityNodes {
		switch node.Kind {
		case NodeAccountSpecific:
			if author == NormalizeHandle(node.Account) && containsAny(text, node.Keywords) {
				return true, reasonOr(node, "priority account and keyword match")
			}
		case NodeAccountAny:
			if author == NormalizeHandle(node.Account) {
				return true, reasonOr(node, "critical account activity")
			}
		case NodeKeywordCritical:
			if post.Author.Followers >= node.MinFollowers && containsAny(text, node.Keywords) {
				return true, reasonOr(node, "critical keyword detected")
			}
		case NodeBreakingNews:
			if (!node.RequiresVerified() || post.Author.Verified) && containsAny(text, node.Keywords) {
				return true, reasonOr(node, "breaking news alert")
			}
		}
	}

	return false, ""
}

func reasonOr(node PriorityNode, fallback string) string {
	if node.Reason != "" {
		return node.Reason
	}
	return fallback
}
