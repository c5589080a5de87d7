package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
)

func formatValidationErrors(err error) map[string]string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return nil
	}
	out := make(map[string]string, len(validationErrors))
	for _, e := range validationErrors {
		out[e.Namespace()] = e.Tag()
	}
	return out
}
