package importjob

// transitions lists every permitted status change. failed behaves like
// ready_for_review for finalize retries because its rows already exist.
var transitions = map[Status][]Status{
	StatusUploaded:       {StatusProcessing},
	StatusProcessing:     {StatusReadyForReview, StatusFailed},
	StatusReadyForReview: {StatusApproved, StatusRejected},
	StatusFailed:         {StatusProcessing, StatusApproved, StatusRejected},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusUploaded, StatusProcessing, StatusReadyForReview, StatusApproved, StatusRejected, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a permitted transition.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsPollable reports whether a reviewer should keep polling an import in this
// status.
func IsPollable(s Status) bool {
	return s == StatusUploaded || s == StatusProcessing
}

// IsReviewable reports whether rows may be edited, approved and finalized.
func IsReviewable(s Status) bool {
	return s == StatusReadyForReview || s == StatusFailed
}

// IsTerminal reports whether no further transition exists.
func IsTerminal(s Status) bool {
	return len(transitions[s]) == 0
}
