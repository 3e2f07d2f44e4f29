package deallocator

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrAlreadyInProgress    = errors.New("node already deallocating")
	ErrInvalidConfiguration = errors.New("invalid deallocation configuration")
	ErrMetadataUpdateFailed = errors.New("metadata update failed")
	ErrRelocationTimedOut   = errors.New("relocation timed out")
	ErrCancelled            = errors.New("deallocation cancelled by operator")
)

// TimedOutError reports indices that did not become available in time.
type TimedOutError struct {
	Indices  []string
	Failures []string
}

func (e *TimedOutError) Error() string {
	msg := "some indices did not reach yellow state: " + strings.Join(e.Indices, ", ")
	if len(e.Failures) > 0 {
		msg += "\n" + strings.Join(e.Failures, "\n")
	}
	return msg
}

func (e *TimedOutError) Is(target error) bool {
	return target == ErrRelocationTimedOut
}

func metadataUpdateFailed(target string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrMetadataUpdateFailed, target, err)
}
