package errors

import (
	"errors"
	"fmt"
)

// Common error types for the identity core
var (
	// Store errors
	ErrNotFound        = errors.New("not found")
	ErrCorruptRecord   = errors.New("corrupt record")
	ErrConditionFailed = errors.New("condition failed")

	// Signing key errors
	ErrNoActiveKey = errors.New("no active signing key")
	ErrKeyNotFound = errors.New("signing key not found")
	ErrKeyExpired  = errors.New("signing key expired")

	// Session errors
	ErrNoSession     = errors.New("no session")
	ErrMissingExpiry = errors.New("missing expiration")
	ErrMissingUserID = errors.New("missing user id")

	// Sign-in flow errors
	ErrStateNotFound    = errors.New("state not found")
	ErrProviderResponse = errors.New("unexpected provider response")

	// Token errors
	ErrInvalidToken = errors.New("invalid token")

	// General errors
	ErrInternal    = errors.New("internal error")
	ErrUnsupported = errors.New("unsupported operation")
)

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
