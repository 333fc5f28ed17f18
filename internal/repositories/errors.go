package repositories

import "errors"

var (
	// ErrNoSKUs is returned when a counter update names no product.
	ErrNoSKUs = errors.New("repositories: at least one sku is required")
	// ErrStockOverflow is returned when a stock restore would overflow the counter.
	ErrStockOverflow = errors.New("repositories: stock counter overflow")
)
