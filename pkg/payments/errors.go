package payments

import "errors"

// Domain-level error values returned by the payments processor and its store.
var (
	ErrDuplicateEvent         = errors.New("duplicate event")
	ErrUnresolvedAccount      = errors.New("unresolved account")
	ErrUnknownAmount          = errors.New("unknown amount")
	ErrInvalidNotification    = errors.New("invalid notification")
	ErrInvalidPriceTable      = errors.New("invalid price table")
	ErrInvalidCustomerLink    = errors.New("invalid customer link")
	ErrInvalidProcessorConfig = errors.New("invalid processor config")
)
