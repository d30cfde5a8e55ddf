package domain

import "time"

// Contact is a reachable person with per-channel addresses.
//
// Contacts are created by the surrounding CRM; the pipeline only reads the
// addresses/opt-out flags and owns the per-campaign sequence cursor.
type Contact struct {
	ID      string
	OwnerID string

	FirstName string
	LastName  string
	Company   string
	City      string
	State     string
	Country   string

	Phone    string // whatsapp + sms
	Email    string
	LinkedIn string // profile handle

	// OptedOut marks channels the contact has unsubscribed from. This is
	// the single compliance gate the dispatch worker checks; deeper consent
	// logic lives outside the pipeline.
	OptedOut map[Channel]bool
}

// Address returns the contact's address for the given channel.
func (c *Contact) Address(ch Channel) string {
	switch ch {
	case ChannelWhatsApp, ChannelSMS:
		return c.Phone
	case ChannelEmail:
		return c.Email
	case ChannelLinkedIn:
		return c.LinkedIn
	default:
		return ""
	}
}

// FullName joins first and last name, skipping empty parts.
func (c *Contact) FullName() string {
	switch {
	case c.FirstName != "" && c.LastName != "":
		return c.FirstName + " " + c.LastName
	case c.FirstName != "":
		return c.FirstName
	default:
		return c.LastName
	}
}

// SequenceCursor is a contact's progress inside one sequence campaign.
//
// StepIndex is the next step to send (0 = nothing sent yet). The cursor
// advances when a step's job is enqueued, not when delivery is confirmed.
type SequenceCursor struct {
	CampaignID string
	ContactID  string
	StepIndex  int
	LastSentAt time.Time
}

// Enrollment pairs a contact with its cursor for scheduler queries.
type Enrollment struct {
	Contact Contact
	Cursor  SequenceCursor
}
