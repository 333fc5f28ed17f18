package services

import "errors"

var (
	// ErrPromotionRepositoryMissing indicates the promotion repository dependency is absent.
	ErrPromotionRepositoryMissing = errors.New("promotion service: repository is not configured")
	// ErrPromotionInvalidInput signals malformed promotion or target data.
	ErrPromotionInvalidInput = errors.New("promotion service: invalid input")
	// ErrPromotionInvalidCode signals the supplied promotion code is missing or invalid.
	ErrPromotionInvalidCode = errors.New("promotion service: invalid promotion code")
	// ErrPromotionNotFound indicates no promotion exists for the provided code or id.
	ErrPromotionNotFound = errors.New("promotion service: promotion not found")
	// ErrPromotionConflict indicates a duplicate code or identifier.
	ErrPromotionConflict = errors.New("promotion service: conflict")
	// ErrPromotionUnavailable indicates the backing store could not be reached.
	ErrPromotionUnavailable = errors.New("promotion service: unavailable")
)
