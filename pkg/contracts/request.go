package contracts

import (
	"time"
)

// ActionRequest is an ephemeral, queueable record meaning "run action
// Action on contract Card with Arguments, as actor Actor, optionally
// caused by rule or request Originator". Requests are never mutated
// after creation; their terminal state is an ActionResult.
type ActionRequest struct {
	ID string `json:"id"`
	// Action is the slug@version of the action to run.
	Action string `json:"action"`
	// Card identifies the input contract, by id or slug.
	Card string `json:"card"`
	// Actor is the id of the contract acting as the request's actor.
	Actor string `json:"actor"`

	Arguments map[string]interface{} `json:"arguments"`

	// Originator is the id of the triggered-action rule (or upstream
	// request) that caused this one. Contracts created by the request
	// inherit it, enabling causality tracing and loop detection.
	Originator string `json:"originator,omitempty"`

	CurrentDate time.Time `json:"currentDate"`
	// Epoch is CurrentDate in milliseconds since the Unix epoch, kept
	// alongside for template evaluation.
	Epoch int64 `json:"epoch"`
}

// ActionResult is the terminal state of an action request: success with
// a result snapshot, or failure with a structured error.
type ActionResult struct {
	Error bool        `json:"error"`
	Data  interface{} `json:"data"`
}

// Session identifies who is performing an operation and with what marker
// scope. A privileged session bypasses marker filtering entirely.
type Session struct {
	Actor      string   `json:"actor"`
	Markers    []string `json:"markers,omitempty"`
	Privileged bool     `json:"privileged,omitempty"`
}

// CanRead reports whether the session may see a contract with the given
// markers. Contracts without markers are readable by everyone; otherwise
// every marker on the contract must be in the session's scope.
func (s *Session) CanRead(markers []string) bool {
	if s.Privileged || len(markers) == 0 {
		return true
	}
	scope := make(map[string]struct{}, len(s.Markers))
	for _, marker := range s.Markers {
		scope[marker] = struct{}{}
	}
	for _, marker := range markers {
		if _, ok := scope[marker]; !ok {
			return false
		}
	}
	return true
}
