package websocket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseFilter(t *testing.T) {
	f := ParseFilter("", "")
	assert.True(t, f.AllJobs())
	assert.Empty(t, f.Types)

	f = ParseFilter("*", "")
	assert.True(t, f.AllJobs())

	f = ParseFilter("job-1, job-2", "job_status_update,log_message")
	assert.False(t, f.AllJobs())
	assert.Equal(t, []string{"job-1", "job-2"}, f.Jobs)
	assert.Equal(t, []MessageType{MsgJobStatus, MsgLog}, f.Types)
}

func TestFilterMatches(t *testing.T) {
	now := time.Now()

	all := ParseFilter("", "")
	assert.True(t, all.Matches(NewEnvelope(MsgJobStatus, "job-1", now, nil)))
	assert.True(t, all.Matches(NewEnvelope(MsgLog, "", now, nil)))

	byJob := ParseFilter("job-1", "")
	assert.True(t, byJob.Matches(NewEnvelope(MsgJobStatus, "job-1", now, nil)))
	assert.False(t, byJob.Matches(NewEnvelope(MsgJobStatus, "job-2", now, nil)))
	// System-wide messages have no target job and always pass the job filter.
	assert.True(t, byJob.Matches(NewEnvelope(MsgLog, "", now, nil)))

	byType := ParseFilter("", "job_progress_update")
	assert.True(t, byType.Matches(NewEnvelope(MsgJobProgress, "job-1", now, nil)))
	assert.False(t, byType.Matches(NewEnvelope(MsgJobStatus, "job-1", now, nil)))

	both := ParseFilter("job-1", "job_status_update")
	assert.True(t, both.Matches(NewEnvelope(MsgJobStatus, "job-1", now, nil)))
	assert.False(t, both.Matches(NewEnvelope(MsgJobStatus, "job-2", now, nil)))
	assert.False(t, both.Matches(NewEnvelope(MsgJobProgress, "job-1", now, nil)))
}
