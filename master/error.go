package master

import (
	"errors"
)

var (
	// ErrMalformedRequest indicates a structural problem with a reservation request: an unknown
	// or missing agent id, an empty resource list, a resource without exactly one reservation
	// tag, mixed roles within one request, or a reserve request whose tag principal does not
	// match the authenticated caller. Zero side effects.
	ErrMalformedRequest = errors.New("the reservation request is structurally invalid")

	// ErrAgentRemoved indicates that the target agent was removed while the operation was
	// queued behind it.
	ErrAgentRemoved = errors.New("the agent was removed before the operation could run")

	// ErrUnknownFramework indicates that the framework id on an inbound scheduler call is not
	// registered.
	ErrUnknownFramework = errors.New("no framework with the given id is registered")
)
