// Package queue implements the durable job store on Redis: one stream per
// priority consumed through a shared consumer group, a sorted set for
// future-dated jobs, a dead-letter hash, rolling counters, and the
// per-provider token buckets. All multi-step updates run as Lua scripts so
// concurrent workers and processes never observe partial state.
package queue

import (
	"github.com/ignite/email-dispatch/internal/job"
)

// Group is the consumer group shared by every dispatch worker process.
const Group = "email-workers"

const (
	keyParked = "queue:parked"
	keyDLQ    = "queue:dlq"
	keyDedup  = "queue:dedup"

	keySentTotal   = "stats:sent"
	keyFailedTotal = "stats:failed"
)

// StreamKey names the ready stream for a priority.
func StreamKey(p job.Priority) string {
	return "queue:ready:" + string(p)
}

// RateBucketKey names the token-bucket hash for a provider.
func RateBucketKey(k job.ProviderKind) string {
	return "rate:bucket:" + string(k)
}

// AuditJobKey names the per-job audit record.
func AuditJobKey(jobID string) string {
	return "audit:job:" + jobID
}

// ServiceCallsKey names the per-service daily call timeline.
func ServiceCallsKey(service, day string) string {
	return "audit:service:" + service + ":calls:" + day
}

// ServiceMetricsKey names the per-service aggregate counters.
func ServiceMetricsKey(service string) string {
	return "audit:service:" + service + ":metrics"
}

// HeartbeatKey names a worker liveness key (written with a short TTL).
func HeartbeatKey(workerID string) string {
	return "worker:heartbeat:" + workerID
}

const heartbeatPattern = "worker:heartbeat:*"

func sentDayKey(day string) string {
	return "stats:sent:" + day
}

func failedDayKey(day string) string {
	return "stats:failed:" + day
}

func groupEmailsKey(groupID string) string {
	return "group:" + groupID + ":emails"
}

func groupExcludedKey(groupID string) string {
	return "group:" + groupID + ":excluded"
}
