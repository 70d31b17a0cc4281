package identity

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// AgentID names one vessel generation of an agent. Successive vessels of
// the same agent share Name and carry strictly increasing Nonce values.
type AgentID struct {
	Name  string
	Nonce uint64
}

var agentNamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]*$`)

// String formats the id as "<name>-<nonce>".
func (a AgentID) String() string {
	return fmt.Sprintf("%s-%d", a.Name, a.Nonce)
}

// IsZero reports whether a is the empty sentinel.
func (a AgentID) IsZero() bool {
	return a.Name == "" && a.Nonce == 0
}

// Next returns the identity of the following vessel generation.
func (a AgentID) Next() AgentID {
	return AgentID{Name: a.Name, Nonce: a.Nonce + 1}
}

// Less orders by name, then nonce.
func (a AgentID) Less(b AgentID) bool {
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	return a.Nonce < b.Nonce
}

// MarshalText implements encoding.TextMarshaler.
func (a AgentID) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Malformed input
// decodes to the zero sentinel, matching ParseAgentID.
func (a *AgentID) UnmarshalText(b []byte) error {
	*a = ParseAgentID(string(b))
	return nil
}

// ParseAgentID parses "<name>-<nonce>", splitting on the last '-'. Names
// may themselves contain '-'. Anything that does not parse yields the zero
// AgentID rather than an error; callers that need to reject bad input use
// ValidateAgentID.
func ParseAgentID(s string) AgentID {
	id, err := parseAgentID(s)
	if err != nil {
		return AgentID{}
	}
	return id
}

// ValidateAgentID is the strict form of ParseAgentID.
func ValidateAgentID(s string) (AgentID, error) {
	return parseAgentID(s)
}

func parseAgentID(s string) (AgentID, error) {
	i := strings.LastIndexByte(s, '-')
	if i < 0 {
		return AgentID{}, fmt.Errorf("agent id %q: missing nonce separator", s)
	}
	name, nonceStr := s[:i], s[i+1:]
	if !agentNamePattern.MatchString(name) {
		return AgentID{}, fmt.Errorf("agent id %q: invalid name", s)
	}
	nonce, err := strconv.ParseUint(nonceStr, 10, 64)
	if err != nil {
		return AgentID{}, fmt.Errorf("agent id %q: invalid nonce: %w", s, err)
	}
	return AgentID{Name: name, Nonce: nonce}, nil
}

// FragmentKey addresses one fragment of one agent generation.
type FragmentKey struct {
	Agent AgentID `cbor:"agent"`
	Index int     `cbor:"index"`
}

func (k FragmentKey) String() string {
	return fmt.Sprintf("%s#%d", k.Agent, k.Index)
}
