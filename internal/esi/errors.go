package esi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// StatusError is a non-2xx response from the upstream API. Message carries
// the upstream error body when it could be decoded.
type StatusError struct {
	Endpoint string
	Code     int
	Message  string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("esi: %s returned HTTP %d", e.Endpoint, e.Code)
	}
	return fmt.Sprintf("esi: %s returned HTTP %d: %s", e.Endpoint, e.Code, e.Message)
}

// IsNotFound reports whether err is an upstream miss. The API answers 404 for
// unknown ids and 400 for ids outside the endpoint's id range, so a kind
// probe treats both as "not this kind".
func IsNotFound(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == http.StatusNotFound || se.Code == http.StatusBadRequest
}

// IsMissingRole reports whether the upstream rejected a corporate wallet call
// because the acting character lacks the required corporate role. Callers
// strip the scope from the stored grant when they see this.
func IsMissingRole(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == http.StatusForbidden &&
		strings.Contains(se.Message, "required role")
}
