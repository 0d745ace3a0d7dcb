package domain

import "errors"

// OutcomeKind classifies how one upstream execution ended. The set is
// closed: every consumer switches exhaustively over it.
type OutcomeKind string

const (
	OutcomeSuccess       OutcomeKind = "success"
	OutcomeAuthExpired   OutcomeKind = "auth_expired"
	OutcomeRateLimited   OutcomeKind = "rate_limited"
	OutcomeUpstreamError OutcomeKind = "upstream_error"
	OutcomeNetworkError  OutcomeKind = "network_error"
	OutcomeTimeout       OutcomeKind = "timeout"
)

// Outcome is the executor's classified verdict on a single attempt.
// Payload is set only on success; Transient qualifies upstream errors.
type Outcome struct {
	Kind      OutcomeKind
	Payload   []byte
	Transient bool
	Err       error
}

// Success builds a successful outcome carrying the upstream payload.
func Success(payload []byte) Outcome {
	return Outcome{Kind: OutcomeSuccess, Payload: payload}
}

// Failure builds a failed outcome. Transient is only meaningful for
// OutcomeUpstreamError.
func Failure(kind OutcomeKind, transient bool, err error) Outcome {
	return Outcome{Kind: kind, Transient: transient, Err: err}
}

// Failed reports whether the attempt did not produce a payload.
func (o Outcome) Failed() bool {
	return o.Kind != OutcomeSuccess
}

// Errors crossing the execute boundary. Callers branch on these with
// errors.Is; anything wrapped in ErrRetryable may be retried by the
// caller, never by the orchestrator itself.
var ErrPoolExhausted = errors.New("no account available to serve the request")
var ErrUpstreamRejected = errors.New("upstream rejected the request")
var ErrTimeout = errors.New("upstream call timed out")
var ErrRetryable = errors.New("transient upstream failure")
