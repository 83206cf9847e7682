package queue

import "syncq/internal/job"

type action int

const (
	actComplete action = iota
	actRequeue
	actFail
)

// decide applies the bounded-attempt policy to one execution result.
// On actRequeue the returned descriptor has one attempt consumed.
func decide(d job.Descriptor, res job.Result) (action, job.Descriptor, string) {
	switch res {
	case job.Success:
		return actComplete, d, ""
	case job.Transient:
		next := d.Retry()
		if next.AttemptsRemaining <= 0 {
			return actFail, next, "retry limit exhausted"
		}
		return actRequeue, next, ""
	default:
		return actFail, d, "permanent failure"
	}
}
