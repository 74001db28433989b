package tgrelay

import (
	"errors"
	"fmt"
	"time"
)

// ErrFloodWait is the SDK's rate-limit signal: the caller must pause for
// Seconds before retrying the operation.
type ErrFloodWait struct {
	Seconds int
}

func (e *ErrFloodWait) Error() string {
	return fmt.Sprintf("flood wait: %ds", e.Seconds)
}

// Duration returns the mandated pause as a time.Duration.
func (e *ErrFloodWait) Duration() time.Duration {
	return time.Duration(e.Seconds) * time.Second
}

// ErrForwardsRestricted reports that a chat's content-protection flag
// forbids server-side forward and copy.
type ErrForwardsRestricted struct {
	Chat ChannelID
}

func (e *ErrForwardsRestricted) Error() string {
	return fmt.Sprintf("chat %d: forwards restricted", e.Chat)
}

// ErrNotAccessible reports a chat the account cannot read.
type ErrNotAccessible struct {
	Chat string
}

func (e *ErrNotAccessible) Error() string {
	return fmt.Sprintf("chat %q: not accessible", e.Chat)
}

// ErrInvalidIdentifier reports a chat identifier that could not be parsed.
type ErrInvalidIdentifier struct {
	Input string
}

func (e *ErrInvalidIdentifier) Error() string {
	return fmt.Sprintf("invalid chat identifier %q", e.Input)
}

// ErrNetwork wraps a transport-level failure. The facade reconnects on it.
type ErrNetwork struct {
	Err error
}

func (e *ErrNetwork) Error() string { return "network: " + e.Err.Error() }
func (e *ErrNetwork) Unwrap() error { return e.Err }

// ErrTimeSync reports the SDK's clock-skew rejection. It is terminal: the
// engine stops and the host is expected to inform the user and exit.
type ErrTimeSync struct{}

func (e *ErrTimeSync) Error() string { return "system clock out of sync with network" }

// ErrAuth reports an invalidated session or a pending 2FA challenge.
// It is terminal for the run; the host must re-login.
type ErrAuth struct {
	Reason string
}

func (e *ErrAuth) Error() string { return "auth: " + e.Reason }

// ErrAPI is any other error surfaced by the messaging API.
type ErrAPI struct {
	Code    int
	Message string
}

func (e *ErrAPI) Error() string {
	return fmt.Sprintf("api %d: %s", e.Code, e.Message)
}

// --- Matchers ---

// FloodWaitSeconds extracts the mandated wait from err, or returns 0, false.
func FloodWaitSeconds(err error) (int, bool) {
	var e *ErrFloodWait
	if errors.As(err, &e) {
		return e.Seconds, true
	}
	return 0, false
}

// IsForwardsRestricted reports whether err is a forwards-restriction error.
func IsForwardsRestricted(err error) bool {
	var e *ErrForwardsRestricted
	return errors.As(err, &e)
}

// IsNotAccessible reports whether err marks a chat the account cannot read.
func IsNotAccessible(err error) bool {
	var e *ErrNotAccessible
	return errors.As(err, &e)
}

// IsTerminal reports whether err must stop the whole engine rather than a
// single pair: auth failures and clock-skew rejections.
func IsTerminal(err error) bool {
	var auth *ErrAuth
	var ts *ErrTimeSync
	return errors.As(err, &auth) || errors.As(err, &ts)
}
