package websocket

import "strings"

// Filter narrows which envelopes a subscription receives. Jobs is either the
// single element "*" (or empty, equivalent) for all jobs, or an explicit set
// of job IDs. Types empty means all message types.
//
// An envelope matches when its type is permitted AND the job filter allows
// the target: "*" subscriptions match everything, otherwise the envelope's
// TargetJobID must be in the set. Envelopes with no target job (system logs,
// snapshots) pass the job filter unconditionally.
type Filter struct {
	Jobs  []string      `json:"jobs"`
	Types []MessageType `json:"types"`
}

// ParseFilter builds a Filter from the comma-separated handshake parameters.
// Empty strings yield the match-all filter.
func ParseFilter(jobs, types string) Filter {
	var f Filter
	if jobs != "" && jobs != "*" {
		for _, id := range strings.Split(jobs, ",") {
			if id = strings.TrimSpace(id); id != "" {
				f.Jobs = append(f.Jobs, id)
			}
		}
	}
	if types != "" {
		for _, t := range strings.Split(types, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.Types = append(f.Types, MessageType(t))
			}
		}
	}
	return f
}

// AllJobs reports whether the filter matches every job.
func (f Filter) AllJobs() bool {
	if len(f.Jobs) == 0 {
		return true
	}
	for _, id := range f.Jobs {
		if id == "*" {
			return true
		}
	}
	return false
}

// Matches reports whether env passes the filter.
func (f Filter) Matches(env Envelope) bool {
	if len(f.Types) > 0 {
		allowed := false
		for _, t := range f.Types {
			if t == env.Type {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if env.TargetJobID == "" || f.AllJobs() {
		return true
	}
	for _, id := range f.Jobs {
		if id == env.TargetJobID {
			return true
		}
	}
	return false
}
