package channel

// Outcome is the classification of a single attempt.
type Outcome int

const (
	OutcomeTransportFailure Outcome = iota
	OutcomeMalformed
	OutcomeRedirect
	OutcomeNotAuthorized
	OutcomeRecoverable
	OutcomeUnrecoverable
	OutcomeAppReply
)

func (o Outcome) String() string {
	switch o {
	case OutcomeTransportFailure:
		return "transport failure"
	case OutcomeMalformed:
		return "malformed response"
	case OutcomeRedirect:
		return "redirect"
	case OutcomeNotAuthorized:
		return "not authorized"
	case OutcomeRecoverable:
		return "recoverable system error"
	case OutcomeUnrecoverable:
		return "unrecoverable system error"
	case OutcomeAppReply:
		return "app reply"
	default:
		return "unknown"
	}
}

// Disposition is what the channel does after an attempt.
type Disposition int

const (
	// Fatal disables the channel and resolves the call with no value.
	Fatal Disposition = iota
	// RetrySameRequest resends the identical envelope after the delay.
	RetrySameRequest
	// RetryNewRequest rebuilds the envelope after the delay.
	RetryNewRequest
	// RefreshAndRetry announces the stale token, then rebuilds the
	// envelope with a fresh one after the delay.
	RefreshAndRetry
	// Succeed resolves the call with the application reply.
	Succeed
)

func (d Disposition) String() string {
	switch d {
	case Fatal:
		return "fatal"
	case RetrySameRequest:
		return "retry same request"
	case RetryNewRequest:
		return "retry new request"
	case RefreshAndRetry:
		return "refresh token and retry"
	case Succeed:
		return "succeed"
	default:
		return "unknown"
	}
}

// Policy maps attempt outcomes to dispositions.
type Policy interface {
	Dispose(o Outcome) Disposition
}

// DefaultPolicy is used by ordinary request channels.
var DefaultPolicy Policy = defaultPolicy{}

type defaultPolicy struct{}

func (defaultPolicy) Dispose(o Outcome) Disposition {
	switch o {
	case OutcomeMalformed, OutcomeRedirect, OutcomeRecoverable:
		return RetryNewRequest
	case OutcomeNotAuthorized:
		return RefreshAndRetry
	case OutcomeAppReply:
		return Succeed
	default:
		return Fatal
	}
}

// Override returns a policy that behaves like base except for outcome o.
func Override(base Policy, o Outcome, d Disposition) Policy {
	return overridePolicy{base: base, outcome: o, disposition: d}
}

type overridePolicy struct {
	base        Policy
	outcome     Outcome
	disposition Disposition
}

func (p overridePolicy) Dispose(o Outcome) Disposition {
	if o == p.outcome {
		return p.disposition
	}
	return p.base.Dispose(o)
}
