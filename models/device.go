package models

import "time"

// DiscoveryMethod records how a candidate endpoint was found.
type DiscoveryMethod string

const (
	// MethodZeroconf marks candidates resolved from an mDNS browse.
	MethodZeroconf DiscoveryMethod = "zeroconf"
	// MethodProbe marks candidates found by the subnet port sweep.
	MethodProbe DiscoveryMethod = "probe"
	// MethodManual marks an address entered by the operator.
	MethodManual DiscoveryMethod = "manual"
	// MethodPaired marks an address taken from the pairing registry.
	MethodPaired DiscoveryMethod = "paired"
)

// Candidate is a discovered network endpoint that may be a sync target.
type Candidate struct {
	Address string          `json:"address"`
	Name    string          `json:"name,omitempty"`
	Method  DiscoveryMethod `json:"method"`
	// TrustedByName is set when the advertised name already carries the
	// product token, so no verification round-trip is made.
	TrustedByName bool `json:"trusted_by_name"`
}

// Device is a candidate confirmed as a sync target for the current run.
type Device struct {
	Address       string `json:"address"`
	Name          string `json:"name"`
	KeyAuthorized bool   `json:"key_authorized"`
	FromPairing   bool   `json:"from_pairing"`
	TrustedByName bool   `json:"trusted_by_name"`
}

// DisplayName returns the name when known, otherwise the address.
func (d Device) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.Address
}

// PairedRecord is one entry of the durable trust list.
type PairedRecord struct {
	Address  string    `json:"address"`
	Name     string    `json:"name"`
	PairedAt time.Time `json:"paired_at"`
}
