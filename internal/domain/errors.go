package domain

import "github.com/pkg/errors"

var (
	ErrNotFound     = errors.New("work not found")
	ErrForbidden    = errors.New("actor may not mutate this work")
	ErrMalformedJob = errors.New("malformed mutation job")
	ErrEmptyPatch   = errors.New("update carries no valid fields")
	ErrInvalidActor = errors.New("invalid actor")
)

// IsPermanent reports whether retrying the operation could never succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrMalformedJob)
}
