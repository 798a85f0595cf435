// Package validator wraps go-playground/validator for webhook messages, job
// payloads and AI tool arguments.
package validator

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/apperrors"
)

var (
	validate *validator.Validate
	once     sync.Once
)

// Get returns the shared validator. Field names in errors are the json names.
func Get() *validator.Validate {
	once.Do(func() {
		validate = validator.New()
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		// rfc3339 accepts a timestamp with an explicit offset, e.g. 2026-03-03T15:00:00-03:00.
		_ = validate.RegisterValidation("rfc3339", func(fl validator.FieldLevel) bool {
			_, err := time.Parse(time.RFC3339, fl.Field().String())
			return err == nil
		})
	})
	return validate
}

// Validate checks s and returns an apperrors.ErrValidation listing every failed field.
func Validate(s interface{}) error {
	err := Get().Struct(s)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
	}

	messages := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		messages = append(messages, fmt.Sprintf("%s %s", e.Field(), describe(e)))
	}
	return fmt.Errorf("%w: %s", apperrors.ErrValidation, strings.Join(messages, "; "))
}

func describe(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must have at least %s items", e.Param())
	case "max":
		return fmt.Sprintf("must not exceed %s", e.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	case "rfc3339":
		return "must be an RFC3339 timestamp"
	default:
		return fmt.Sprintf("failed '%s'", e.Tag())
	}
}
