// Package validation checks request payloads before they reach the
// credential service.  Every check returns an *Error whose Message is safe
// to show to the client.
package validation

import (
	"net/mail"
	"strings"
	"time"
)

// Error describes the first rule a payload violated.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string { return e.Message }

// Register is the registration payload.
type Register struct {
	Name     string
	Email    string
	Photo    string
	Gender   string
	Dob      time.Time
	Password string
}

// Login is the login payload.
type Login struct {
	Email    string
	Password string
}

// ValidateRegister checks the shape of a registration request.  Password
// composition is left to PasswordPolicy, which the service applies.
func ValidateRegister(in Register, now time.Time) error {
	switch {
	case strings.TrimSpace(in.Name) == "":
		return &Error{Field: "name", Message: "Name is required"}
	case len(in.Name) > 100:
		return &Error{Field: "name", Message: "Name must be at most 100 characters"}
	}
	if err := validateEmail(in.Email); err != nil {
		return err
	}
	switch {
	case strings.TrimSpace(in.Photo) == "":
		return &Error{Field: "photo", Message: "Photo is required"}
	case len(in.Photo) > 1024:
		return &Error{Field: "photo", Message: "Photo must be at most 1024 characters"}
	}
	if in.Gender != "male" && in.Gender != "female" {
		return &Error{Field: "gender", Message: "Gender must be 'male' or 'female'"}
	}
	if in.Dob.IsZero() {
		return &Error{Field: "dob", Message: "Date of birth is required"}
	}
	if !in.Dob.Before(now.AddDate(-5, 0, 0)) {
		return &Error{Field: "dob", Message: "Date of birth must be at least 5 years ago"}
	}
	if in.Password == "" {
		return &Error{Field: "password", Message: "Password is required"}
	}
	return nil
}

// ValidateLogin checks the shape of a login request.
func ValidateLogin(in Login) error {
	if err := validateEmail(in.Email); err != nil {
		return err
	}
	switch {
	case in.Password == "":
		return &Error{Field: "password", Message: "Password is required"}
	case len([]rune(in.Password)) < 6:
		return &Error{Field: "password", Message: "Password must be at least 6 characters"}
	}
	return nil
}

func validateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return &Error{Field: "email", Message: "Email is required"}
	}
	if len(email) > 256 {
		return &Error{Field: "email", Message: "Email must be at most 256 characters"}
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email, "@") {
		return &Error{Field: "email", Message: "Email is not a valid email address"}
	}
	return nil
}
