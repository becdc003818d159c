// Package metrics wraps rudder-go-kit/stats with the counters and timers
// the Dispatch Loop (C8) emits: per-attempt stats are tagged by filesystem
// pair the way the teacher tags its warehouse upload stats by destination,
// per-job stats by job id.
package metrics

import (
	"strconv"
	"time"

	"github.com/rudderlabs/rudder-go-kit/stats"
)

// Metrics is the handle components pull from to record their own stats,
// rather than each hand-rolling stats.Tags.
type Metrics struct {
	factory stats.Stats
}

// New wraps factory (typically stats.Default, or a test double in tests).
func New(factory stats.Stats) *Metrics {
	return &Metrics{factory: factory}
}

func pairTags(source, target string) stats.Tags {
	return stats.Tags{"source": source, "target": target}
}

// TasksClaimed records how many tasks one claim round picked up for a job.
func (m *Metrics) TasksClaimed(jobID string, n int) {
	m.factory.NewTaggedStat("shepherd_tasks_claimed", stats.CountType, stats.Tags{"jobID": jobID}).Count(n)
}

// AttemptSubmitFailed increments the submission-failure counter for a
// (source, target) filesystem pair — the Dispatcher itself rejected the
// job before it could run.
func (m *Metrics) AttemptSubmitFailed(source, target string) {
	m.factory.NewTaggedStat("shepherd_attempt_submit_failed", stats.CountType, pairTags(source, target)).Count(1)
}

// AttemptFinished records an attempt's exit code and wall-clock duration.
func (m *Metrics) AttemptFinished(source, target string, exitCode int, duration time.Duration) {
	tags := pairTags(source, target)
	tags["exitCode"] = strconv.Itoa(exitCode)
	m.factory.NewTaggedStat("shepherd_attempts_finished", stats.CountType, tags).Count(1)
	m.factory.NewTaggedStat("shepherd_attempt_duration", stats.TimerType, pairTags(source, target)).SendTiming(duration)
}

// JobTasksRemaining publishes the pending+running count for a job as a
// gauge tagged by job id.
func (m *Metrics) JobTasksRemaining(jobID string, pending, running int64) {
	m.factory.NewTaggedStat("shepherd_job_tasks_remaining", stats.GaugeType, stats.Tags{"jobID": jobID}).Gauge(pending + running)
}
