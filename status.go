package trademirror

import "strings"

// Status is a bitmask describing the current condition of an exchange
// engine. It is the bitwise OR of the active flags.
type Status uint

const (
	// StatusConnected means the background update loop is running.
	StatusConnected Status = 1 << iota
	// StatusSimulated means the engine talks to a simulation collaborator
	// instead of the network.
	StatusSimulated
	// StatusError means the last request against the exchange failed.
	StatusError
	// StatusPublicOnly means trading-dependent refreshes are skipped and
	// only public data is tracked.
	StatusPublicOnly
	// StatusStopped means the exchange is administratively disabled.
	StatusStopped
)

func (s Status) Has(flag Status) bool {
	return s&flag != 0
}

func (s Status) String() string {
	if s == 0 {
		return "IDLE"
	}

	names := make([]string, 0)

	for _, flag := range []struct {
		status Status
		name   string
	}{
		{StatusConnected, "CONNECTED"},
		{StatusSimulated, "SIMULATED"},
		{StatusError, "ERROR"},
		{StatusPublicOnly, "PUBLIC_ONLY"},
		{StatusStopped, "STOPPED"},
	} {
		if s.Has(flag.status) {
			names = append(names, flag.name)
		}
	}

	return strings.Join(names, "|")
}
