package feed

// Author describes the source account of a post as reported by the feed provider.
type Author struct {
	Handle    string `json:"userName"`
	Followers int    `json:"followers"`
	Verified  bool   `json:"isBlueVerified"`
	Automated bool   `json:"isAutomated"`
}

// Post is one item pushed by the feed source. Field names follow the
// provider's wire format so batches decode directly.
type Post struct {
	ID        string `json:"id"`
	Author    Author `json:"author"`
	Text      string `json:"text"`
	Likes     int    `json:"likeCount"`
	Reshares  int    `json:"retweetCount"`
	Replies   int    `json:"replyCount"`
	IsReply   bool   `json:"isReply"`
	IsReshare bool   `json:"isRetweet"`
}

// Engagement is the combined interaction count used by the pre-filter.
func (p Post) Engagement() int {
	return p.Likes + p.Reshares + p.Replies
}
