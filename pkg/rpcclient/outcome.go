package rpcclient

type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomeCommitted
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCommitted:
		return "committed"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

func ParseOutcome(s string) Outcome {
	switch s {
	case "committed":
		return OutcomeCommitted
	case "rejected":
		return OutcomeRejected
	default:
		return OutcomeUnknown
	}
}
