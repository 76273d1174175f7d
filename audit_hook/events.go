package audithook

// Audit event actions. Each constant corresponds to one ext lifecycle hook
// and becomes the Action field of the audit event.
const (
	ActionJobPushed      = "job.pushed"
	ActionJobStarted     = "job.started"
	ActionJobDone        = "job.done"
	ActionJobRetrying    = "job.retrying"
	ActionJobKilled      = "job.killed"
	ActionJobFailed      = "job.failed"
	ActionJobRescheduled = "job.rescheduled"
	ActionJobsReclaimed  = "lease.reclaimed"
	ActionScheduleFired  = "schedule.fired"
)

// Audit event categories group related actions.
const (
	CategoryJob      = "conveyor.job"
	CategoryLease    = "conveyor.lease"
	CategorySchedule = "conveyor.schedule"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceJob      = "job"
	ResourceLease    = "lease"
	ResourceSchedule = "schedule"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionJobPushed,
		ActionJobStarted,
		ActionJobDone,
		ActionJobRetrying,
		ActionJobKilled,
		ActionJobFailed,
		ActionJobRescheduled,
		ActionJobsReclaimed,
		ActionScheduleFired,
	}
}
