package models

import "time"

// EmailType tags a customer address as the primary one or an alias.
type EmailType string

const (
	EmailPrimary EmailType = "primary"
	EmailOther   EmailType = "other"
)

// Customer is a person who writes in to a mailbox.
type Customer struct {
	ID        int64     `json:"id" db:"id"`
	FirstName string    `json:"first_name" db:"first_name"`
	LastName  string    `json:"last_name" db:"last_name"`
	Company   string    `json:"company" db:"company"`
	JobTitle  string    `json:"job_title" db:"job_title"`
	Phone     string    `json:"phone" db:"phone"`
	Website   string    `json:"website" db:"website"`
	Address   string    `json:"address" db:"address"`
	City      string    `json:"city" db:"city"`
	State     string    `json:"state" db:"state"`
	Zip       string    `json:"zip" db:"zip"`
	Country   string    `json:"country" db:"country"`
	PhotoURL  string    `json:"photo_url" db:"photo_url"`
	Notes     string    `json:"notes" db:"notes"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`

	// Populated on demand
	Emails []CustomerEmail `json:"emails,omitempty" db:"-"`
}

// FullName joins the name halves, skipping empty ones.
func (c *Customer) FullName() string {
	switch {
	case c.FirstName != "" && c.LastName != "":
		return c.FirstName + " " + c.LastName
	case c.FirstName != "":
		return c.FirstName
	default:
		return c.LastName
	}
}

// PrimaryEmail returns the primary address, or the first one when none is tagged.
func (c *Customer) PrimaryEmail() string {
	for _, e := range c.Emails {
		if e.Type == EmailPrimary {
			return e.Email
		}
	}
	if len(c.Emails) > 0 {
		return c.Emails[0].Email
	}
	return ""
}

// CustomerEmail is one sanitized address owned by a customer.
type CustomerEmail struct {
	ID         int64     `json:"id" db:"id"`
	CustomerID int64     `json:"customer_id" db:"customer_id"`
	Email      string    `json:"email" db:"email"`
	Type       EmailType `json:"type" db:"type"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// ProfileHints carries optional profile data inferred from a message or
// supplied by an agent. Empty fields mean "no hint".
type ProfileHints struct {
	FirstName  string `json:"first_name,omitempty"`
	LastName   string `json:"last_name,omitempty"`
	Company    string `json:"company,omitempty"`
	JobTitle   string `json:"job_title,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Website    string `json:"website,omitempty"`
	Address    string `json:"address,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	Zip        string `json:"zip,omitempty"`
	Country    string `json:"country,omitempty"`
	PhotoURL   string `json:"photo_url,omitempty"`
	Background string `json:"background,omitempty"`
}

// HintsFrom extracts the profile fields of c as hints, used when one
// customer's data is folded into another.
func HintsFrom(c *Customer) ProfileHints {
	return ProfileHints{
		FirstName:  c.FirstName,
		LastName:   c.LastName,
		Company:    c.Company,
		JobTitle:   c.JobTitle,
		Phone:      c.Phone,
		Website:    c.Website,
		Address:    c.Address,
		City:       c.City,
		State:      c.State,
		Zip:        c.Zip,
		Country:    c.Country,
		PhotoURL:   c.PhotoURL,
		Background: c.Notes,
	}
}
