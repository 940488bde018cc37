package job

import (
	"errors"
	"fmt"
	"net/mail"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// rfc5322 accepts a bare addr-spec only. Display names and angle
	// brackets are rejected so stored recipients are directly usable
	// as envelope addresses.
	must(v.RegisterValidation("rfc5322", func(fl validator.FieldLevel) bool {
		raw := fl.Field().String()
		addr, err := mail.ParseAddress(raw)
		if err != nil {
			return false
		}
		return addr.Address == raw
	}))
	return v
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// Validate checks the envelope against the admission rules. The returned
// error message is safe to surface to submitters.
func (j *Job) Validate() error {
	if !j.Priority.Valid() {
		return fmt.Errorf("unknown priority %q", j.Priority)
	}
	if !j.Provider.Valid() {
		return fmt.Errorf("unknown provider %q", j.Provider)
	}
	if err := validate.Struct(j); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fieldError(verrs[0])
		}
		return err
	}
	return nil
}

// fieldError turns the first validator failure into a message keyed by the
// wire field name rather than the Go field name.
func fieldError(fe validator.FieldError) error {
	switch fe.StructField() {
	case "ID":
		return errors.New("job_id is required")
	case "Recipients":
		switch fe.Tag() {
		case "required", "min":
			return errors.New("at least one recipient is required")
		case "max":
			return fmt.Errorf("too many recipients (limit %d)", MaxRecipients)
		case "rfc5322":
			return fmt.Errorf("invalid recipient address %q", fe.Value())
		}
	case "TemplateName":
		return errors.New("template_name is required")
	case "SubmittedBy":
		return errors.New("submitted_by is required")
	case "AttemptCount":
		return errors.New("attempt_count must not be negative")
	}
	return fmt.Errorf("invalid field %s", fe.Field())
}
