package shared

import "errors"

// ErrInvalidToken indicates API token verification failure.
var ErrInvalidToken = errors.New("invalid api token")

// ErrTenantMissing indicates an operation was attempted without a tenant.
var ErrTenantMissing = errors.New("tenant missing")
