package node

import (
	"github.com/vinayprograms/reverie/bus"
	"github.com/vinayprograms/reverie/fragment"
	"github.com/vinayprograms/reverie/identity"
)

// publish signs a as this node and sends it on each topic.
func (n *Node) publish(a *fragment.Announcement, topics ...string) {
	if !n.listening || !n.health.Healthy() {
		return
	}
	a.From = n.key.ID
	if err := a.Sign(n.key); err != nil {
		n.log.Error("sign announcement", map[string]interface{}{"error": err.Error()})
		return
	}
	data, err := fragment.Encode(a)
	if err != nil {
		n.log.Error("encode announcement", map[string]interface{}{"error": err.Error()})
		return
	}
	for _, topic := range topics {
		if err := n.bus.Publish(topic, data); err != nil {
			n.log.Debug("publish announcement", map[string]interface{}{
				"topic": topic,
				"error": err.Error(),
			})
		}
	}
}

func (n *Node) publishHello(reply bool) {
	n.publish(&fragment.Announcement{
		Kind:      fragment.AnnounceHello,
		Addr:      n.addr,
		Client:    n.clientName,
		Recipient: n.sealer.Recipient(),
		Holds:     n.store.Keys(),
		Vessels:   n.peers.Hosting(),
		Reply:     reply,
	}, AnnounceTopic)
}

func (n *Node) publishHolder(keys []identity.FragmentKey) {
	n.publish(&fragment.Announcement{Kind: fragment.AnnounceHolder, Holds: keys}, AnnounceTopic)
}

func (n *Node) publishVessel(info identity.VesselInfo) {
	n.publish(&fragment.Announcement{Kind: fragment.AnnounceVessel, Vessels: []identity.VesselInfo{info}},
		AnnounceTopic, AgentTopic(info.Agent.Name))
}

func (n *Node) decodeAnnouncement(msg *bus.Message) (*fragment.Announcement, bool) {
	var a fragment.Announcement
	if err := fragment.Decode(msg.Data, &a); err != nil {
		n.log.Debug("malformed announcement", map[string]interface{}{"error": err.Error()})
		return nil, false
	}
	if err := a.Verify(); err != nil {
		n.log.Warn("announcement rejected", map[string]interface{}{
			"from":  string(a.From),
			"error": err.Error(),
		})
		return nil, false
	}
	return &a, a.From != n.key.ID
}

// handleAnnouncement applies gossip from the global topic. Any verified
// announcement counts as a sighting of its sender.
func (n *Node) handleAnnouncement(msg *bus.Message) {
	if !n.health.Healthy() {
		return
	}
	a, ok := n.decodeAnnouncement(msg)
	if !ok {
		return
	}
	now := n.clock.Now()
	isNew := n.notePeer(a.From, a.Addr, now)
	n.peers.SetRecipient(a.From, a.Recipient)
	if a.Client != "" {
		n.peers.SetClient(a.From, a.Client)
	}

	switch a.Kind {
	case fragment.AnnounceHello:
		n.creditHolder(a.From, a.Holds)
		for _, v := range a.Vessels {
			n.applyVessel(v)
		}
		if a.Reply && !isNew {
			n.publishHello(false)
		}
	case fragment.AnnounceHolder:
		n.creditHolder(a.From, a.Holds)
	case fragment.AnnounceVessel:
		for _, v := range a.Vessels {
			n.applyVessel(v)
		}
	case fragment.AnnounceOrder:
		for _, v := range a.Vessels {
			if !n.applyVessel(v) {
				continue
			}
			if v.NextVessel == n.key.ID {
				_ = n.requireRespawn(v, "respawn ordered by "+a.From.Short())
			}
		}
	default:
		n.log.Debug("unknown announcement", map[string]interface{}{"kind": string(a.Kind)})
	}
}

func (n *Node) creditHolder(peer identity.PeerID, keys []identity.FragmentKey) {
	for _, key := range keys {
		n.peers.NoteFragmentHolder(key, peer)
	}
}

// handleAgentAnnouncement relays announcements on subscribed agent topics.
// State changes come from the global topic.
func (n *Node) handleAgentAnnouncement(msg *bus.Message) {
	if !n.health.Healthy() {
		return
	}
	a, ok := n.decodeAnnouncement(msg)
	if !ok {
		return
	}
	n.emit(AgentAnnounced{Topic: msg.Subject, Announcement: a})
}
