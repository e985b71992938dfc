package auth

import "time"

// State is the lifecycle position of a connector's credentials.
type State string

const (
	StateValid      State = "valid"
	StateExpiring   State = "expiring"
	StateRefreshing State = "refreshing"
	StateInvalid    State = "invalid"
)

// DefaultRefreshBuffer is how long before expiry credentials count as expiring.
const DefaultRefreshBuffer = 60 * time.Second

// Evaluate derives the state of creds at now. A persisted invalid state is
// sticky until new credentials are saved. Credentials without an expiry
// never become expiring.
func Evaluate(stored State, creds Credentials, now time.Time, buffer time.Duration) State {
	if stored == StateInvalid {
		return StateInvalid
	}
	expiresIn, ok := creds.ExpiresIn()
	if !ok {
		return StateValid
	}
	issuedAt, ok := creds.IssuedAt()
	if !ok {
		return StateExpiring
	}
	deadline := issuedAt.Add(expiresIn - buffer)
	if !now.Before(deadline) {
		return StateExpiring
	}
	return StateValid
}
