package campaign

import (
	"errors"
	"fmt"

	"github.com/example/crm-delivery/internal/model"
)

var ErrValidation = errors.New("validation failed")

// ErrNotFound is shared with the stores so either side can be matched with
// errors.Is.
var ErrNotFound = model.ErrNotFound

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func notFound(kind, id string, err error) error {
	if errors.Is(err, model.ErrNotFound) {
		return &NotFoundError{Kind: kind, ID: id}
	}
	return err
}
