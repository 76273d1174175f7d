package redis

// Redis key naming conventions. Every key of one store shares the hash tag
// {namespace}, so all of them live in one cluster slot and a Lua script may
// touch any of them.

// DefaultNamespace is used when no WithNamespace option is given.
const DefaultNamespace = "conveyor"

type keys struct {
	prefix string
}

func newKeys(namespace string) keys {
	return keys{prefix: "{" + namespace + "}:"}
}

// job returns the Hash key of one job: {ns}:job:{id}
func (k keys) job(id string) string { return k.prefix + "job:" + id }

// jobPrefix is job("") for scripts that build job keys themselves.
func (k keys) jobPrefix() string { return k.prefix + "job:" }

// pending is the Sorted Set of claimable jobs scored by run_at millis.
func (k keys) pending() string { return k.prefix + "pending" }

// inflight is the Sorted Set of running jobs scored by lock_at millis.
func (k keys) inflight() string { return k.prefix + "inflight" }

// done is the Sorted Set of finished jobs scored by done_at millis.
func (k keys) done() string { return k.prefix + "done" }

// failed holds permanently failed jobs scored by done_at millis.
func (k keys) failed() string { return k.prefix + "failed" }

// dead holds killed jobs scored by done_at millis.
func (k keys) dead() string { return k.prefix + "dead" }

// schedule returns the Hash key of one schedule entry: {ns}:schedule:{name}
func (k keys) schedule(name string) string { return k.prefix + "schedule:" + name }

// schedules is the Set of all schedule names.
func (k keys) schedules() string { return k.prefix + "schedules" }
