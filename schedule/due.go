package schedule

import "time"

// DueResult is the outcome of evaluating one schedule against a tick time
type DueResult struct {
	Due bool
	// Trigger is TriggerScheduled or TriggerManual when Due is true
	Trigger string
	// SkipReason explains a skip for logging; empty when Due is true
	SkipReason string
}

// Evaluate decides whether a schedule should fire at now.
//
// Checks run in priority order, short-circuiting:
//  1. Disabled schedules never fire.
//  2. Schedules at or past the failure ceiling never fire; they stay
//     disabled-by-failures until explicitly re-enabled.
//  3. A pending manual trigger with next_run_at due fires immediately,
//     bypassing the active window. Explicit user intent overrides
//     quiet hours.
//  4. Outside the active window, scheduled runs wait.
//  5. The cadence cursor (next_run_at) decides scheduled runs. When the
//     cursor is unset, fall back to elapsed time since last_run_at; a
//     never-run schedule fires on its first eligible tick.
func Evaluate(s *Schedule, now time.Time, failureCeiling int) DueResult {
	if !s.Enabled {
		return DueResult{SkipReason: "disabled"}
	}

	if failureCeiling > 0 && s.ConsecutiveFailures >= failureCeiling {
		return DueResult{SkipReason: "disabled-by-failures"}
	}

	if s.ManualPending && s.NextRunAt != nil && !s.NextRunAt.After(now) {
		return DueResult{Due: true, Trigger: TriggerManual}
	}

	if !s.InActiveWindow(now) {
		return DueResult{SkipReason: "outside-active-window"}
	}

	if s.NextRunAt != nil {
		if s.NextRunAt.After(now) {
			return DueResult{SkipReason: "not-yet-due"}
		}
		return DueResult{Due: true, Trigger: TriggerScheduled}
	}

	if s.LastRunAt == nil {
		return DueResult{Due: true, Trigger: TriggerScheduled}
	}

	if now.Sub(*s.LastRunAt) >= s.Interval() {
		return DueResult{Due: true, Trigger: TriggerScheduled}
	}

	return DueResult{SkipReason: "interval-not-elapsed"}
}

// NextRunAfter computes the cadence cursor after a run completes at now.
//
// A manual run must not perturb the long-run cadence: the next scheduled
// run stays anchored to the last run before the manual one, unless that
// anchor point has already passed.
func NextRunAfter(trigger string, prevLastRun *time.Time, now time.Time, interval time.Duration) time.Time {
	if trigger == TriggerManual {
		if prevLastRun != nil {
			anchored := prevLastRun.Add(interval)
			if anchored.After(now) {
				return anchored
			}
		}
		return now.Add(interval)
	}
	return now.Add(interval)
}
