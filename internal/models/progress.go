package models

// Progress is the live snapshot a handler keeps on its job.
// Counters never decrease within an attempt; RecentLog keeps the last Limit lines.
type Progress struct {
	Stage     string           `json:"stage"`
	Counters  map[string]int64 `json:"counters,omitempty"`
	RecentLog []string         `json:"recent_log,omitempty"`
}

// Add increases counter name by delta. Negative deltas are ignored.
func (p *Progress) Add(name string, delta int64) {
	if delta < 0 {
		return
	}
	if p.Counters == nil {
		p.Counters = make(map[string]int64)
	}
	p.Counters[name] += delta
}

// Max raises counter name to v if v is larger than its current value.
func (p *Progress) Max(name string, v int64) {
	if p.Counters == nil {
		p.Counters = make(map[string]int64)
	}
	if v > p.Counters[name] {
		p.Counters[name] = v
	}
}

// Counter returns the current value of name.
func (p Progress) Counter(name string) int64 {
	return p.Counters[name]
}

// Log appends line, dropping the oldest lines beyond limit.
func (p *Progress) Log(line string, limit int) {
	if limit <= 0 {
		limit = 20
	}
	p.RecentLog = append(p.RecentLog, line)
	if over := len(p.RecentLog) - limit; over > 0 {
		p.RecentLog = append([]string(nil), p.RecentLog[over:]...)
	}
}

// Clone returns a deep copy safe to persist while the handler keeps mutating p.
func (p Progress) Clone() Progress {
	out := Progress{Stage: p.Stage}
	if p.Counters != nil {
		out.Counters = make(map[string]int64, len(p.Counters))
		for k, v := range p.Counters {
			out.Counters[k] = v
		}
	}
	if p.RecentLog != nil {
		out.RecentLog = append([]string(nil), p.RecentLog...)
	}
	return out
}
