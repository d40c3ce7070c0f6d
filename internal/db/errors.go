package db

import "errors"

// Sentinel errors mapped onto the HTTP taxonomy at the node boundary.
var (
	ErrNotFound  = errors.New("db: resource not found")
	ErrExists    = errors.New("db: resource already exists")
	ErrForbidden = errors.New("db: capability missing")
	ErrInvalid   = errors.New("db: invalid request")
)
