package reasoning

const systemPrompt = `You are a strategic intelligence analyst for prediction markets. You provide actionable intelligence by monitoring social media and analyzing relevant information.`

const generateRulesetPrompt = `You are analyzing a prediction-market event to set up intelligent social-media monitoring.

EVENT DETAILS:
Question: %s
Description: %s
Category: %s
Key: %s

MARKET CONTEXT:
%s

TASK: Generate a monitoring ruleset in JSON format for FORWARD-LOOKING intelligence.

Your ruleset must include:

1. "accounts": top 5-10 accounts most likely to post relevant information (experts, news sources, involved parties). Use real handles.

2. "keywords": 10-15 essential keywords and phrases, mixing broad and specific terms.

3. "priority_nodes": high-weight developments that bypass normal filtering. Each node is one of:
   {"type": "account_specific", "account": "@handle", "keywords": [...], "reason": "..."}
   {"type": "account_any", "account": "@handle", "reason": "..."}
   {"type": "keyword_critical", "keywords": [...], "min_followers": 10000, "reason": "..."}
   {"type": "breaking_news", "keywords": [...], "verified_only": true, "reason": "..."}

4. "filters": {"relevance_threshold": 0-1, "credibility_threshold": 0-1, "exclude_patterns": [...]}

5. "priority_rules": what makes a post high/medium/low priority.

6. "budget_allocation": distribute 1.0 across account_monitoring, keyword_search, analysis.

Return ONLY valid JSON, no markdown, no explanation.`

const analyzePostPrompt = `Analyze this post for a prediction-market event.

EVENT: %s

POST:
From: @%s
Text: %s

MONITORING RULES:
Relevance Threshold: %.2f
Credibility Threshold: %.2f

TASK: Analyze this post and return JSON:

{
    "relevant": true/false,
    "relevance_score": 0-1,
    "sentiment": "bullish"/"bearish"/"neutral",
    "credibility_score": 0-1,
    "insights": "1-2 sentences of key insights",
    "priority": "high"/"medium"/"low",
    "confidence": 0-1
}

Consider whether the post provides actionable intelligence, whether the author
is credible on this topic, and whether it moves the probability needle.

Return ONLY valid JSON.`

const synthesizeDigestPrompt = `Synthesize the past hour's intelligence for this prediction-market event.

EVENT: %s

ANALYZED POSTS (%d total):
%s

Create a concise digest (300-400 words) covering:

1. Summary: what happened this hour
2. Sentiment distribution: bullish/bearish/neutral breakdown
3. Key signals: the 3-5 most important pieces of information
4. Market impact: how this might move the prediction market
5. Confidence level: high/medium/low for the intelligence quality

Write in clear, professional prose.`

const refineRulesetPrompt = `You are refining social-media monitoring rules for a prediction-market event based on performance data.

CURRENT RULESET:
%s

PERFORMANCE METRICS (since last refinement):
%s

ANALYSIS NEEDED:
1. Are we monitoring the right accounts? Add/remove based on performance.
2. Are keywords effective? Refine based on match quality.
3. Are filters too strict or too loose? Adjust thresholds.
4. Is budget allocation optimal?
5. Are priority nodes accurate?

GOAL: maximize relevant, high-quality intelligence while minimizing noise.

Return an UPDATED ruleset in the same JSON format as the current ruleset.
Include all fields, even if unchanged. Only JSON, no markdown or explanation.`
