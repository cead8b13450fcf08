package keybot

import (
	"errors"
	"fmt"
	"gorm.io/gorm"
	"strings"
	"time"
)

var (
	ErrInvalidKeyFormat    = errors.New("bad key format")
	ErrDuplicateKey        = errors.New("key already exists")
	ErrInvalidPlatform     = errors.New("invalid platform")
	ErrEmptyQuery          = errors.New("empty search query")
	ErrAmbiguousMatch      = errors.New("too many games found")
	ErrNotFound            = errors.New("game not found")
	ErrPlatformUnavailable = errors.New("no key available for platform")
	ErrCooldownActive      = errors.New("claim cooldown active")
	ErrMissingGameName     = errors.New("game name is required")
)

var userErrors = []error{
	ErrInvalidKeyFormat,
	ErrDuplicateKey,
	ErrInvalidPlatform,
	ErrEmptyQuery,
	ErrAmbiguousMatch,
	ErrNotFound,
	ErrPlatformUnavailable,
	ErrCooldownActive,
	ErrMissingGameName,
}

// IsUserError returns true if the error is an expected outcome of a
// request (bad input, cooldown, no match) rather than an internal fault.
func IsUserError(err error) bool {
	for _, e := range userErrors {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

// translateDBError maps unique constraint violations to [ErrDuplicateKey]
func translateDBError(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateKey
	}
	return err
}

// AmbiguousMatchError is returned when a query matches more than one game.
// Candidates holds the matched games, so the query can be narrowed.
type AmbiguousMatchError struct {
	Candidates []GameKeys
}

func (e *AmbiguousMatchError) Error() string {
	names := make([]string, 0, len(e.Candidates))
	for _, c := range e.Candidates {
		names = append(names, c.Game.PrettyName)
	}
	return fmt.Sprintf("%s: %s", ErrAmbiguousMatch, strings.Join(names, ", "))
}

func (e *AmbiguousMatchError) Unwrap() error {
	return ErrAmbiguousMatch
}

// CooldownError is returned when a member has claimed a key too recently.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%s: %s remaining", ErrCooldownActive, e.Remaining)
}

func (e *CooldownError) Unwrap() error {
	return ErrCooldownActive
}

// PlatformUnavailableError is returned when a query matches exactly one
// game, but that game has no keys for the requested platform.
type PlatformUnavailableError struct {
	Game      Game
	Platform  Platform
	Available []Platform
}

func (e *PlatformUnavailableError) Error() string {
	return fmt.Sprintf(
		"%s: %q has no %s keys",
		ErrPlatformUnavailable,
		e.Game.PrettyName,
		e.Platform,
	)
}

func (e *PlatformUnavailableError) Unwrap() error {
	return ErrPlatformUnavailable
}
