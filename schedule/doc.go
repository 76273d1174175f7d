// Package schedule implements recurring job producers.
//
// An [Entry] pairs a recurrence spec with the task it produces and the
// next time it fires. Specs use standard 5-field cron syntax or the
// descriptors "@hourly", "@daily", "@every 30s" and so on.
//
// The [Trigger] ticks on a coarse timer. For each enabled entry whose
// next_fire_at has passed it compare-and-swaps next_fire_at forward and,
// only if that swap succeeded, pushes one job. Several processes can run
// triggers against the same store without double firing; missed
// occurrences collapse into one job.
package schedule
