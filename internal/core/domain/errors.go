package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrTemporary    = errors.New("temporary failure")

	ErrRetrievalTimeout     = errors.New("retrieval timeout")
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")
	ErrRerankUnavailable    = errors.New("rerank unavailable")
	ErrCacheUnavailable     = errors.New("cache unavailable")
	ErrClaimParse           = errors.New("claim parse error")
	ErrVerificationSource   = errors.New("verification source error")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}
