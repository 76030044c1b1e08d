package model

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared validator. It reads the same "binding" tags
// gin uses so HTTP and WebSocket inputs follow one schema.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.SetTagName("binding")
	})
	return validate
}

// Validate checks v against its binding tags.
func Validate(v any) error {
	return Validator().Struct(v)
}

// Validate checks the request schema and that the payload variant matches
// the declared type. Unknown variants pass so the worker can reject them.
func (r *TaskRequest) Validate() error {
	if err := Validate(r); err != nil {
		return err
	}
	if r.Payload.Type != r.Type {
		return fmt.Errorf("payload type %q does not match task type %q", r.Payload.Type, r.Type)
	}
	return nil
}

// Validate checks the result schema and that failures carry an error.
func (r *TaskResult) Validate() error {
	if err := Validate(r); err != nil {
		return err
	}
	if !r.Success && r.Error == nil {
		return fmt.Errorf("failed result %s carries no error", r.TaskID)
	}
	return nil
}
