package theme

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is matched by every *NotFoundError.
	ErrNotFound = errors.New("not found")

	// ErrNoAnchor is returned by Inject when the template has neither a
	// </head> nor a </body> marker to insert before.
	ErrNoAnchor = errors.New("no </head> or </body> anchor in template")

	// ErrMalformedBlock is returned by Inject when the template holds marker
	// text it did not write, such as a start marker without an end marker.
	ErrMalformedBlock = errors.New("template has unpaired or modified script markers")
)

// RemoteError reports a non-2xx response from the Admin API.
type RemoteError struct {
	Op         string
	StatusCode int
	Status     string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Status)
}

// NotFoundError reports a resource the Admin API did not return, such as a
// shop without a published theme.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no %s found", e.Resource)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ParseError reports a response body that lacks the expected fields.
type ParseError struct {
	Op  string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: parse response: %v", e.Op, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
