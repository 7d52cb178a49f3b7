package cache

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// refreshJob is the pending or in-flight rebuild of a single key.
// There is at most one job per key, all fields are guarded by the cache's refreshLock.
type refreshJob struct {
	key   string
	state jobState

	// Set when the key is invalidated while its build is running, so the job
	// goes back to waiting instead of done once the build publishes.
	rerun bool

	failures  int
	retry     *backoff.ExponentialBackOff
	notBefore time.Time
}

func (j *refreshJob) eligible(now time.Time) bool {
	return j.state == jobWaiting && !now.Before(j.notBefore)
}

func (j *refreshJob) markFailed(now time.Time, newBackoff func() *backoff.ExponentialBackOff) time.Duration {
	j.failures++
	j.state = jobWaiting
	j.rerun = false

	if j.retry == nil {
		j.retry = newBackoff()
	}
	delay := j.retry.NextBackOff()
	if delay == backoff.Stop || delay < 0 {
		delay = j.retry.MaxInterval
	}
	j.notBefore = now.Add(delay)
	return delay
}

func (j *refreshJob) markPublished() {
	j.failures = 0
	j.notBefore = time.Time{}
	if j.retry != nil {
		j.retry.Reset()
	}

	if j.rerun {
		j.rerun = false
		j.state = jobWaiting
		return
	}
	j.state = jobDone
}
