package respawn

import (
	"github.com/vinayprograms/reverie/fragment"
	"github.com/vinayprograms/reverie/identity"
)

// Authorizer decides whether a held fragment may be released. info is the
// latest known assignment for the requested generation.
type Authorizer interface {
	Authorize(req *fragment.Request, info identity.VesselInfo) (allow bool, reason string)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(req *fragment.Request, info identity.VesselInfo) (bool, string)

// Authorize calls f.
func (f AuthorizerFunc) Authorize(req *fragment.Request, info identity.VesselInfo) (bool, string) {
	return f(req, info)
}

// VesselAuthorizer releases fragments only to the agent's current or next
// vessel.
type VesselAuthorizer struct{}

// Authorize implements Authorizer.
func (VesselAuthorizer) Authorize(req *fragment.Request, info identity.VesselInfo) (bool, string) {
	switch req.Requester {
	case "":
		return false, "anonymous requester"
	case info.NextVessel, info.CurrentVessel:
		return true, ""
	default:
		return false, "requester is not a vessel of " + info.Agent.String()
	}
}
