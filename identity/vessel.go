package identity

import "fmt"

// VesselInfo describes where an agent lives and where it will go next.
type VesselInfo struct {
	Agent         AgentID `cbor:"agent"`
	TotalFrags    int     `cbor:"total"`
	Threshold     int     `cbor:"threshold"`
	CurrentVessel PeerID  `cbor:"current"`
	NextVessel    PeerID  `cbor:"next"`
}

// Validate checks the structural invariants of a vessel record.
func (v VesselInfo) Validate() error {
	if v.Agent.Name == "" {
		return fmt.Errorf("vessel info: empty agent name")
	}
	if v.Threshold < 1 || v.Threshold > v.TotalFrags {
		return fmt.Errorf("vessel info %s: threshold %d not in [1, %d]", v.Agent, v.Threshold, v.TotalFrags)
	}
	if v.CurrentVessel == "" {
		return fmt.Errorf("vessel info %s: no current vessel", v.Agent)
	}
	return nil
}

// Successor returns the record for the next generation, hosted by the
// current NextVessel with next as its own successor.
func (v VesselInfo) Successor(next PeerID) VesselInfo {
	return VesselInfo{
		Agent:         v.Agent.Next(),
		TotalFrags:    v.TotalFrags,
		Threshold:     v.Threshold,
		CurrentVessel: v.NextVessel,
		NextVessel:    next,
	}
}
