package model

import (
	"fmt"
	"strings"
	"time"
)

type Doctor struct {
	ID        string   `json:"id" yaml:"id"`
	Name      string   `json:"name" yaml:"name"`
	Specialty string   `json:"specialty" yaml:"specialty"`
	Profile   string   `json:"profile" yaml:"profile"`
	Keywords  []string `json:"keywords,omitempty" yaml:"keywords"`
	// Hours lists weekly consultation starts such as "Mon 09:00".
	Hours []string `json:"hours,omitempty" yaml:"hours"`
}

type Slot struct {
	ID       string    `json:"id"`
	DoctorID string    `json:"doctor_id"`
	StartsAt time.Time `json:"starts_at"`
	Booked   bool      `json:"booked"`
}

type BookingRequest struct {
	UserID    UserID
	SessionID SessionID
	Message   string
	Entities  []string
}

type BookingStatus string

const (
	BookingConfirmed   BookingStatus = "confirmed"
	BookingUnavailable BookingStatus = "unavailable"
)

// BookingResult is the deterministic outcome of a booking action.
type BookingResult struct {
	Status BookingStatus `json:"status"`
	Doctor *Doctor       `json:"doctor,omitempty"`
	Slot   *Slot         `json:"slot,omitempty"`
	Reason string        `json:"reason,omitempty"`
}

// Render formats the result as text appended to a generated response.
func (x *BookingResult) Render() string {
	if x == nil {
		return ""
	}

	var b strings.Builder
	switch x.Status {
	case BookingConfirmed:
		b.WriteString("Booking confirmed")
		if x.Doctor != nil {
			fmt.Fprintf(&b, " with %s (%s)", x.Doctor.Name, x.Doctor.Specialty)
		}
		if x.Slot != nil {
			fmt.Fprintf(&b, " on %s", x.Slot.StartsAt.Format("2006-01-02 15:04"))
			fmt.Fprintf(&b, ". Reference: %s", x.Slot.ID)
		}
		b.WriteString(".")
	default:
		b.WriteString("Booking could not be completed")
		if x.Reason != "" {
			b.WriteString(": " + x.Reason)
		}
		b.WriteString(".")
	}
	return b.String()
}
