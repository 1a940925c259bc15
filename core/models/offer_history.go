package models

import "time"

// OfferHistory tracks a host's track record across provisioning races, used
// to extend OfferFilter.MinReliability with a locally-observed blacklist
// rather than trusting the provider's self-reported score alone.
type OfferHistory struct {
	HostID          string
	SuccessCount    int64
	FailureCount    int64
	LastOutcomeAt   time.Time
	AvgTimeToSSHMs  int64 // rolling average, milliseconds from launch to SSH-reachable
	Blacklisted     bool
}
