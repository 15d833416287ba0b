package monitor

import (
	"time"

	"github.com/floworc/floworc/internal/events"
)

// AggregateFilter selects which jobs contribute to an aggregation. Zero
// fields are ignored; JobIDs and Kind combine conjunctively. The time window
// matches on job creation time.
type AggregateFilter struct {
	JobIDs []string
	Kind   events.JobKind
	Since  time.Time
	Until  time.Time
}

func (f AggregateFilter) matches(job events.Job) bool {
	if len(f.JobIDs) > 0 {
		found := false
		for _, id := range f.JobIDs {
			if id == job.ID() {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Kind != "" && job.Spec.Kind != f.Kind {
		return false
	}
	if !f.Since.IsZero() && job.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && job.CreatedAt.After(f.Until) {
		return false
	}
	return true
}

// AggregatedMetrics is the cross-job rollup: counts and bytes are summed,
// execution time accumulated, peaks taken by max, and rates averaged over the
// jobs that produced non-zero samples.
type AggregatedMetrics struct {
	Jobs              int                 `json:"jobs"`
	Records           events.RecordCounts `json:"records"`
	BytesIn           int64               `json:"bytesIn"`
	BytesOut          int64               `json:"bytesOut"`
	Batches           int                 `json:"batches"`
	ExecutionTime     time.Duration       `json:"executionTimeMs"`
	PeakMemoryBytes   int64               `json:"peakMemoryBytes"`
	PeakCPUPercent    float64             `json:"peakCpuPercent"`
	AvgProcessingRate float64             `json:"avgProcessingRate"`
	AvgErrorRate      float64             `json:"avgErrorRate"`
}

// GetAggregated rolls up the current metrics of every job matching the
// filter, across both active and retained completed jobs.
func (s *Service) GetAggregated(filter AggregateFilter) AggregatedMetrics {
	s.mu.RLock()
	jobs := make([]events.Job, 0, len(s.active)+len(s.completed))
	for _, st := range s.active {
		jobs = append(jobs, st.job)
	}
	for _, st := range s.completed {
		jobs = append(jobs, st.job)
	}
	s.mu.RUnlock()

	var agg AggregatedMetrics
	var rateSamples, errSamples int
	for _, job := range jobs {
		if !filter.matches(job) {
			continue
		}
		m := job.Metrics
		agg.Jobs++
		agg.Records.Processed += m.Records.Processed
		agg.Records.Successful += m.Records.Successful
		agg.Records.Failed += m.Records.Failed
		agg.BytesIn += m.BytesIn
		agg.BytesOut += m.BytesOut
		agg.Batches += m.Batches
		agg.ExecutionTime += m.ExecutionTime
		if m.PeakMemoryBytes > agg.PeakMemoryBytes {
			agg.PeakMemoryBytes = m.PeakMemoryBytes
		}
		if m.PeakCPUPercent > agg.PeakCPUPercent {
			agg.PeakCPUPercent = m.PeakCPUPercent
		}
		// Idle jobs report a zero rate; including them would drag the
		// average toward zero, so they are skipped.
		if m.ProcessingRate > 0 {
			agg.AvgProcessingRate += m.ProcessingRate
			rateSamples++
		}
		if m.ErrorRate > 0 {
			agg.AvgErrorRate += m.ErrorRate
			errSamples++
		}
	}
	if rateSamples > 0 {
		agg.AvgProcessingRate /= float64(rateSamples)
	}
	if errSamples > 0 {
		agg.AvgErrorRate /= float64(errSamples)
	}
	return agg
}
