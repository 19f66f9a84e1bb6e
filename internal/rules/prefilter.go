package rules

import "github.com/oddsworks/vigil/internal/feed"

// ShouldSkip decides whether a post is obvious noise that does not justify a
// paid classification call. Pure function; heuristics apply in order and the
// first match wins. In expectation this rejects the large majority of raw
// feed volume.
func ShouldSkip(post feed.Post, rs *Ruleset) bool {
	if post.Author.Automated {
		return true
	}

	followers := post.Author.Followers
	if followers < 100 {
		return true
	}

	// A fresh post from a small account with zero engagement may still be
	// valuable; let the classifier decide instead of applying the later rules.
	if post.Engagement() == 0 && followers < 10000 {
		return false
	}

	if post.IsReshare && followers < 50000 {
		return true
	}

	if post.IsReply && !post.Author.Verified && followers < 10000 {
		return true
	}

	return false
}
