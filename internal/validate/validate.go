// Package validate checks and sanitizes RSVP submissions before any
// datastore access.
package validate

import (
	"errors"
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"

	"github.com/sfpack1703/pack-rsvp/services/api/internal/domain"
)

const (
	MinAttendees   = 1
	MaxAttendees   = 20
	MaxTextLength  = 1000
	maxAttendeeAge = 120
)

const (
	msgMissingFields   = "Missing required RSVP data"
	msgAttendeeCount   = "Must have 1-20 attendees"
	msgInvalidEmail    = "Invalid email format"
	msgInvalidAttendee = "Each attendee needs a name and an age between 0 and 120"
	msgInvalidPhone    = "Invalid phone number"
)

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	htmlEscaper  = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
)

// Submission is the raw RSVP payload as received from a family.
type Submission struct {
	EventID             string            `validate:"required"`
	FamilyName          string            `validate:"required"`
	Email               string            `validate:"required,rsvpemail"`
	Phone               string            `validate:"omitempty,max=40"`
	Attendees           []domain.Attendee `validate:"required,min=1,max=20,dive"`
	DietaryRestrictions string
	SpecialNeeds        string
	Notes               string
	IPHash              string
	UserAgent           string
}

// Validator is safe for concurrent use.
type Validator struct {
	v      *validator.Validate
	policy *bluemonday.Policy
}

func New() *Validator {
	v := validator.New()
	_ = v.RegisterValidation("rsvpemail", func(fl validator.FieldLevel) bool {
		return emailPattern.MatchString(fl.Field().String())
	})
	v.RegisterStructValidation(validateAttendee, domain.Attendee{})
	return &Validator{v: v, policy: bluemonday.StrictPolicy()}
}

// Validate returns a sanitized copy of in. The input is never modified.
func (v *Validator) Validate(in Submission) (Submission, error) {
	out := Submission{
		EventID:             strings.TrimSpace(in.EventID),
		FamilyName:          strings.TrimSpace(in.FamilyName),
		Email:               strings.TrimSpace(in.Email),
		Phone:               strings.TrimSpace(in.Phone),
		DietaryRestrictions: strings.TrimSpace(in.DietaryRestrictions),
		SpecialNeeds:        strings.TrimSpace(in.SpecialNeeds),
		Notes:               strings.TrimSpace(in.Notes),
		IPHash:              strings.TrimSpace(in.IPHash),
		UserAgent:           truncate(in.UserAgent, MaxTextLength),
	}
	if in.Attendees != nil {
		out.Attendees = make([]domain.Attendee, len(in.Attendees))
		for i, a := range in.Attendees {
			out.Attendees[i] = domain.Attendee{
				Name: strings.TrimSpace(a.Name),
				Age:  a.Age,
				Den:  strings.TrimSpace(a.Den),
			}
			if a.IsAdult != nil {
				adult := *a.IsAdult
				out.Attendees[i].IsAdult = &adult
			}
		}
	}

	if err := v.v.Struct(out); err != nil {
		return Submission{}, translate(err)
	}

	out.FamilyName = v.Sanitize(out.FamilyName)
	out.Notes = v.Sanitize(out.Notes)
	out.DietaryRestrictions = v.Sanitize(out.DietaryRestrictions)
	out.SpecialNeeds = v.Sanitize(out.SpecialNeeds)
	if out.FamilyName == "" {
		return Submission{}, domain.Validation(msgMissingFields)
	}
	return out, nil
}

// Sanitize strips markup, escapes &, < and > in the remaining text and caps
// the length.
func (v *Validator) Sanitize(s string) string {
	if s == "" {
		return ""
	}
	text := html.UnescapeString(v.policy.Sanitize(s))
	return truncate(strings.TrimSpace(htmlEscaper.Replace(text)), MaxTextLength)
}

func validateAttendee(sl validator.StructLevel) {
	a := sl.Current().Interface().(domain.Attendee)
	if a.Name == "" {
		sl.ReportError(a.Name, "Name", "Name", "attendee", "")
	}
	if a.Age < 0 || a.Age > maxAttendeeAge {
		sl.ReportError(a.Age, "Age", "Age", "attendee", "")
	}
}

func translate(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return domain.Validation(msgMissingFields)
	}
	fe := verrs[0]
	switch {
	case fe.Tag() == "attendee":
		return domain.Validation(msgInvalidAttendee)
	case fe.Field() == "Attendees" && (fe.Tag() == "min" || fe.Tag() == "max"):
		return domain.Validation(msgAttendeeCount)
	case fe.Tag() == "rsvpemail":
		return domain.Validation(msgInvalidEmail)
	case fe.Field() == "Phone":
		return domain.Validation(msgInvalidPhone)
	}
	return domain.Validation(msgMissingFields)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
