package domain

import (
	"fmt"
	"strings"
)

// Channel is the outbound delivery channel.
//
// It is a closed enum on purpose: per-channel dispatch is switched
// exhaustively, so adding or removing a channel is a compile-time change
// rather than a string-keyed lookup that fails at runtime.
type Channel int

const (
	ChannelWhatsApp Channel = iota
	ChannelEmail
	ChannelSMS
	ChannelLinkedIn
)

// Channels returns all known channels in a stable order.
func Channels() []Channel {
	return []Channel{ChannelWhatsApp, ChannelEmail, ChannelSMS, ChannelLinkedIn}
}

func (c Channel) String() string {
	switch c {
	case ChannelWhatsApp:
		return "whatsapp"
	case ChannelEmail:
		return "email"
	case ChannelSMS:
		return "sms"
	case ChannelLinkedIn:
		return "linkedin"
	default:
		return fmt.Sprintf("channel(%d)", int(c))
	}
}

// Valid reports whether c is one of the known channels.
func (c Channel) Valid() bool {
	switch c {
	case ChannelWhatsApp, ChannelEmail, ChannelSMS, ChannelLinkedIn:
		return true
	default:
		return false
	}
}

// ParseChannel parses a channel name as stored in config and database rows.
func ParseChannel(s string) (Channel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "whatsapp":
		return ChannelWhatsApp, nil
	case "email":
		return ChannelEmail, nil
	case "sms":
		return ChannelSMS, nil
	case "linkedin":
		return ChannelLinkedIn, nil
	default:
		return 0, fmt.Errorf("unknown channel %q", s)
	}
}
