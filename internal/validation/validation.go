package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/hyperengineering/waypoint/internal/types"
)

// Field limits for place payloads.
const (
	MaxNameLength     = 200
	MaxNotesLength    = 10000
	MaxAddressLength  = 500
	MaxCityLength     = 200
	MaxCountryLength  = 100
	MaxClientIDLength = 64
)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add appends a validation error to the collector if non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

// HasErrors returns true if the collector has accumulated any errors.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all accumulated validation errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// Err joins the accumulated errors into a single error, or returns nil.
func (c *Collector) Err() error {
	if len(c.errors) == 0 {
		return nil
	}
	msgs := make([]string, len(c.errors))
	for i, e := range c.errors {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}

// ValidateUTF8 returns an error if the value is not valid UTF-8.
func ValidateUTF8(field, value string) *ValidationError {
	if !utf8.ValidString(value) {
		return &ValidationError{
			Field:   field,
			Message: "must be valid UTF-8",
		}
	}
	return nil
}

// ValidateNoNullBytes returns an error if the value contains null bytes.
func ValidateNoNullBytes(field, value string) *ValidationError {
	if strings.Contains(value, "\x00") {
		return &ValidationError{
			Field:   field,
			Message: "must not contain null bytes",
		}
	}
	return nil
}

// ValidateMaxLength returns an error if the value exceeds max runes.
func ValidateMaxLength(field, value string, max int) *ValidationError {
	if utf8.RuneCountInString(value) > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", max),
		}
	}
	return nil
}

// ValidateRequired returns an error if the value is empty or whitespace-only.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{
			Field:   field,
			Message: "is required",
		}
	}
	return nil
}

// ValidateRange returns an error if the value is outside [min, max].
func ValidateRange(field string, value, min, max float64) *ValidationError {
	if value < min || value > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("must be between %.1f and %.1f", min, max),
		}
	}
	return nil
}

// ValidateClientID checks the identifier a device assigned to an entity.
func ValidateClientID(field, value string) *ValidationError {
	if err := ValidateRequired(field, value); err != nil {
		return err
	}
	return ValidateMaxLength(field, value, MaxClientIDLength)
}

// validateText runs the common text checks on an optional field.
func validateText(c *Collector, field string, value *string, max int) {
	if value == nil {
		return
	}
	c.Add(ValidateUTF8(field, *value))
	c.Add(ValidateNoNullBytes(field, *value))
	c.Add(ValidateMaxLength(field, *value, max))
}

// ValidatePlacePatch validates the field values of a create or update payload.
// A create must carry a non-blank name; an update may omit it but may not
// blank it out.
func ValidatePlacePatch(p types.PlacePatch, isCreate bool) []ValidationError {
	var c Collector

	switch {
	case p.Name != nil:
		c.Add(ValidateRequired("name", *p.Name))
	case isCreate:
		c.Add(&ValidationError{Field: "name", Message: "is required"})
	}
	validateText(&c, "name", p.Name, MaxNameLength)
	validateText(&c, "notes", p.Notes, MaxNotesLength)
	validateText(&c, "address", p.Address, MaxAddressLength)
	validateText(&c, "city", p.City, MaxCityLength)
	validateText(&c, "country", p.Country, MaxCountryLength)

	if p.Latitude != nil {
		c.Add(ValidateRange("latitude", *p.Latitude, -90, 90))
	}
	if p.Longitude != nil {
		c.Add(ValidateRange("longitude", *p.Longitude, -180, 180))
	}
	if (p.Latitude == nil) != (p.Longitude == nil) {
		c.Add(&ValidationError{Field: "latitude", Message: "latitude and longitude must be set together"})
	}
	if p.VisitedWithGeo != nil && *p.VisitedWithGeo && p.Visited != nil && !*p.Visited {
		c.Add(&ValidationError{Field: "visitedWithGeo", Message: "requires visited"})
	}

	return c.Errors()
}
