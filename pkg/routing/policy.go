package routing

import (
	"fmt"
	"strings"

	"github.com/sipeed/picobridge/pkg/bus"
	"github.com/sipeed/picobridge/pkg/config"
)

// Decision is the routing verdict for one inbound message. Pure policy:
// no side effects, no state, fully determined by message plus settings.
type Decision int

const (
	// Reject drops the message without any reply.
	Reject Decision = iota

	// Accept forwards the message to the host.
	Accept

	// RequirePairing means the sender is unknown under a pairing policy;
	// the pipeline answers with a pairing code instead of forwarding.
	RequirePairing
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case RequirePairing:
		return "require_pairing"
	default:
		return "reject"
	}
}

// Decide applies the direct/group policy to one inbound message.
func Decide(msg bus.InboundMessage, s config.BridgeSettings) Decision {
	if strings.TrimSpace(msg.Text) == "" {
		return Reject
	}

	if msg.IsGroup {
		return decideGroup(msg, s)
	}
	return decideDirect(msg, s)
}

func decideDirect(msg bus.InboundMessage, s config.BridgeSettings) Decision {
	switch s.DMPolicy {
	case "closed":
		return Reject
	case "open":
		return Accept
	case "allowlist":
		if senderAllowed(msg, s.AllowFrom, s.StrictAllowlist) {
			return Accept
		}
		return Reject
	default: // "pairing"
		if senderAllowed(msg, s.AllowFrom, s.StrictAllowlist) {
			return Accept
		}
		return RequirePairing
	}
}

func decideGroup(msg bus.InboundMessage, s config.BridgeSettings) Decision {
	switch s.GroupPolicy {
	case "disabled":
		return Reject
	case "open":
		return Accept
	default: // "allowlist"
		if chatAllowed(msg, s.GroupAllowFrom) {
			return Accept
		}
		return Reject
	}
}

// senderAllowed matches the sender's handles against the allow-list.
// Besides exact and "*" entries, an allow-list entry that is a substring
// of the handle also matches, so "5551234567" covers both "+15551234567"
// and "+1 (555) 123-4567" style senders; strict mode turns that off.
func senderAllowed(msg bus.InboundMessage, allow config.FlexibleStringSlice, strict bool) bool {
	candidates := senderHandles(msg)
	if len(candidates) == 0 {
		return false
	}

	for _, entry := range allow {
		if entry == "" {
			continue
		}
		if entry == "*" {
			return true
		}
		for _, h := range candidates {
			if h == entry {
				return true
			}
			if !strict && strings.Contains(h, entry) {
				return true
			}
		}
	}
	return false
}

// chatAllowed matches any of the chat's markers exactly against the group
// allow-list. Group entries are opaque ids, so no substring matching here.
func chatAllowed(msg bus.InboundMessage, allow config.FlexibleStringSlice) bool {
	markers := chatMarkers(msg)
	if len(markers) == 0 {
		return false
	}

	for _, entry := range allow {
		if entry == "" {
			continue
		}
		if entry == "*" {
			return true
		}
		for _, m := range markers {
			if m == entry {
				return true
			}
		}
	}
	return false
}

func senderHandles(msg bus.InboundMessage) []string {
	out := make([]string, 0, 2)
	if msg.Sender != "" {
		out = append(out, msg.Sender)
	}
	if msg.Handle != "" && msg.Handle != msg.Sender {
		out = append(out, msg.Handle)
	}
	return out
}

func chatMarkers(msg bus.InboundMessage) []string {
	out := make([]string, 0, 3)
	if msg.ChatID != 0 {
		out = append(out, fmt.Sprintf("%d", msg.ChatID))
	}
	if msg.ChatGUID != "" {
		out = append(out, msg.ChatGUID)
	}
	if msg.ChatIdentifier != "" {
		out = append(out, msg.ChatIdentifier)
	}
	return out
}

// SessionKey derives the stable conversation key used toward the host.
// Group chats key on the chat itself so every participant shares one
// session; direct messages key on the sender.
func SessionKey(msg bus.InboundMessage) string {
	if msg.IsGroup {
		switch {
		case msg.ChatID != 0:
			return fmt.Sprintf("imessage:chat:%d", msg.ChatID)
		case msg.ChatGUID != "":
			return "imessage:chat:" + msg.ChatGUID
		case msg.ChatIdentifier != "":
			return "imessage:chat:" + msg.ChatIdentifier
		default:
			return "imessage:chat:unknown"
		}
	}

	switch {
	case msg.Sender != "":
		return "imessage:dm:" + msg.Sender
	case msg.Handle != "":
		return "imessage:dm:" + msg.Handle
	default:
		return "imessage:dm:unknown"
	}
}
