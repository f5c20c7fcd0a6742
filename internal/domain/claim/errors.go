package claim

import (
	"errors"
	"fmt"

	"github.com/physiohome/engine/internal/domain/request"
)

var (
	ErrNotAuthorized   = errors.New("not authorized for this request")
	ErrNotEligible     = fmt.Errorf("%w: you are not currently available for this slot", ErrNotAuthorized)
	ErrSlotNotOffered  = fmt.Errorf("%w: slot is not one of the offered slots", ErrNotAuthorized)
	ErrExpired         = errors.New("request expired")
	ErrSlotUnavailable = errors.New("slot unavailable")

	// Re-exported so callers of the engine need only this package.
	ErrRequestNotFound = request.ErrRequestNotFound
	ErrAlreadyResolved = request.ErrAlreadyResolved
	ErrInvalidRequest  = request.ErrInvalidRequest
)
