package model

import "time"

// Entry is one sealed message in a Principal's vault. The body is stored as
// an opaque payload reference; the protocol core never inspects content.
type Entry struct {
	ID          string
	PrincipalID string
	Subject     string
	PayloadRef  string // Opaque reference handed to the Notification Gateway.
	Recipients  []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Recipient is a named person bound to one or more entries. Only verified
// contact channels ever produce delivery attempts.
type Recipient struct {
	ID            string
	PrincipalID   string
	Name          string
	Email         string
	EmailVerified bool
	Phone         string
	PhoneVerified bool
	CreatedAt     time.Time
}

// VerifiedChannels returns the dispatchable (channel, address) pairs for
// the recipient, in a stable order.
func (r Recipient) VerifiedChannels() []ChannelAddress {
	var out []ChannelAddress
	if r.Email != "" && r.EmailVerified {
		out = append(out, ChannelAddress{Channel: ChannelEmail, Address: r.Email})
	}
	if r.Phone != "" && r.PhoneVerified {
		out = append(out, ChannelAddress{Channel: ChannelSMS, Address: r.Phone})
	}
	return out
}

// ChannelAddress pairs a channel with the address to reach it on.
type ChannelAddress struct {
	Channel Channel
	Address string
}
