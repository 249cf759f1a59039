package subintent

type Kind string

const (
	KindMatch      Kind = "match"
	KindWithdrawal Kind = "withdrawal"
)

type Status string

const (
	StatusPending            Status = "Pending"
	StatusSigning            Status = "Signing"
	StatusSigned             Status = "Signed"
	StatusAwaitingTransition Status = "AwaitingTransition"
	StatusCompleted          Status = "Completed"
	StatusRefunded           Status = "Refunded"
)

// Valid reports whether the status is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSigning, StatusSigned, StatusAwaitingTransition, StatusCompleted, StatusRefunded:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is possible without an
// explicit retry.
func (s Status) Terminal() bool {
	return s == StatusCompleted
}

// CanTransition encodes the sub-intent lifecycle:
//
//	Pending -> Signing -> Signed -> AwaitingTransition -> Completed
//	Signing -> Refunded -> Signing (retry)
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusSigning
	case StatusSigning:
		return to == StatusSigned || to == StatusRefunded
	case StatusSigned:
		return to == StatusAwaitingTransition
	case StatusAwaitingTransition:
		return to == StatusCompleted
	case StatusRefunded:
		return to == StatusSigning
	case StatusCompleted:
		return false
	default:
		return false
	}
}
