package monitor

// AccountPerformance tracks how one watched account's posts score.
type AccountPerformance struct {
	Posts        int     `json:"posts"`
	Relevant     int     `json:"relevant"`
	AvgRelevance float64 `json:"avg_relevance"`
}

// Metrics accumulates classification outcomes between refinement cycles.
// Averages use the online-mean update so no sample history is retained.
// Reset whenever a refined ruleset is installed.
type Metrics struct {
	Total          int                            `json:"total"`
	Relevant       int                            `json:"relevant"`
	HighPriority   int                            `json:"high_priority"`
	AvgRelevance   float64                        `json:"avg_relevance"`
	AvgCredibility float64                        `json:"avg_credibility"`
	Accounts       map[string]*AccountPerformance `json:"accounts"`
}

func newMetrics() Metrics {
	return Metrics{Accounts: make(map[string]*AccountPerformance)}
}

// recordRelevant folds one passing classification into the running state.
// Caller holds the monitor lock.
func (m *Metrics) recordRelevant(account string, relevance, credibility float64, highPriority bool) {
	m.Relevant++
	n := float64(m.Relevant)
	m.AvgRelevance = onlineMean(m.AvgRelevance, relevance, n)
	m.AvgCredibility = onlineMean(m.AvgCredibility, credibility, n)
	if highPriority {
		m.HighPriority++
	}

	perf, ok := m.Accounts[account]
	if !ok {
		perf = &AccountPerformance{}
		m.Accounts[account] = perf
	}
	perf.Posts++
	perf.Relevant++
	perf.AvgRelevance = onlineMean(perf.AvgRelevance, relevance, float64(perf.Relevant))
}

// snapshot returns a deep copy safe to serialize outside the monitor lock.
func (m *Metrics) snapshot() Metrics {
	out := *m
	out.Accounts = make(map[string]*AccountPerformance, len(m.Accounts))
	for k, v := range m.Accounts {
		c := *v
		out.Accounts[k] = &c
	}
	return out
}

func onlineMean(avg, x, n float64) float64 {
	return (avg*(n-1) + x) / n
}
