package shared

import "errors"

var (
	// ErrUnauthenticated indicates the request carried no usable credential.
	ErrUnauthenticated = errors.New("unauthenticated")
)
