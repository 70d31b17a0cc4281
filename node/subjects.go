package node

import (
	"strings"

	"github.com/vinayprograms/reverie/identity"
)

const (
	peerPrefix = "reverie.peer."

	// AnnounceTopic carries every gossip announcement.
	AnnounceTopic = "reverie.announce"

	verbHeartbeat = "heartbeat"
	verbFragment  = "fragment"
	verbSave      = "save"
)

// PeerSubject is the direct subject for verb on peer.
func PeerSubject(peer identity.PeerID, verb string) string {
	return peerPrefix + string(peer) + "." + verb
}

// AgentTopic is the per-agent announcement topic. Dots in agent names
// would split the subject token, so they become underscores.
func AgentTopic(name string) string {
	return AnnounceTopic + "." + strings.ReplaceAll(name, ".", "_")
}

// verbOf returns the last token of a direct subject.
func verbOf(subject string) string {
	if i := strings.LastIndexByte(subject, '.'); i >= 0 {
		return subject[i+1:]
	}
	return subject
}
