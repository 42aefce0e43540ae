package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrNotFound is returned when a requested resource does not exist in the store.
var ErrNotFound = errors.New("not found")

// ErrUnsupportedDriver is returned by NewStore for drivers other than sqlite and postgres.
var ErrUnsupportedDriver = errors.New("unsupported store driver")

// ErrAmbiguousPrefix is matched by *AmbiguousPrefixError.
var ErrAmbiguousPrefix = errors.New("ambiguous api key prefix")

// AmbiguousPrefixError is returned when a display prefix matches more than
// one active key.
type AmbiguousPrefixError struct {
	Prefix string
	IDs    []int64
}

func (e *AmbiguousPrefixError) Error() string {
	ids := make([]string, len(e.IDs))
	for i, id := range e.IDs {
		ids[i] = strconv.FormatInt(id, 10)
	}
	return fmt.Sprintf("prefix %q matches %d active keys (ids %s); revoke by id instead",
		e.Prefix, len(e.IDs), strings.Join(ids, ", "))
}

func (e *AmbiguousPrefixError) Is(target error) bool { return target == ErrAmbiguousPrefix }
