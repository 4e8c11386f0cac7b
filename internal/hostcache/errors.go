package hostcache

import "errors"

// ErrHostNotFound indicates the requested host has no record
type ErrHostNotFound struct {
	Host string
}

func (e ErrHostNotFound) Error() string {
	return "host not found: " + e.Host
}

// IsNotFound reports whether an error is a host-not-found error
func IsNotFound(err error) bool {
	var notFound ErrHostNotFound
	return errors.As(err, &notFound)
}
