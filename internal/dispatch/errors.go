package dispatch

import (
	"fmt"
	"strings"
)

// RequestError rejects a malformed request before any lookup.
type RequestError struct {
	Field  string
	Reason string
}

func (e *RequestError) Error() string { return "dispatch: " + e.Field + ": " + e.Reason }

func (e *RequestError) Remediation() string {
	return fmt.Sprintf("Provide a valid %s (%s) and call dispatch again.", e.Field, e.Reason)
}

// UnknownFamilyError means no worker endpoint is configured for the family.
type UnknownFamilyError struct {
	Family string
	Known  []string
}

func (e *UnknownFamilyError) Error() string {
	return fmt.Sprintf("dispatch: no endpoint configured for family %q", e.Family)
}

func (e *UnknownFamilyError) Remediation() string {
	if len(e.Known) == 0 {
		return "No worker families are configured; dispatch is unavailable."
	}
	return "Use one of the configured families: " + strings.Join(e.Known, ", ") + "."
}

// InvalidReferenceError is returned when none of the references resolve.
type InvalidReferenceError struct {
	Family       string        `json:"family"`
	InvalidIDs   []string      `json:"invalid_ids"`
	Alternatives []Alternative `json:"alternatives"`
}

type Alternative struct {
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
}

func (e *InvalidReferenceError) Error() string {
	return fmt.Sprintf("dispatch: no reference resolved for %s (%s)", e.Family, strings.Join(e.InvalidIDs, ", "))
}

func (e *InvalidReferenceError) Remediation() string {
	if len(e.Alternatives) == 0 {
		return "None of the ids are in the current listing and the listing is empty; fetch the listing again before dispatching."
	}
	ids := make([]string, 0, len(e.Alternatives))
	for _, a := range e.Alternatives {
		if a.Label != "" {
			ids = append(ids, a.ID+" ("+a.Label+")")
		} else {
			ids = append(ids, a.ID)
		}
	}
	return "None of the ids are in the current listing. Available ids include: " + strings.Join(ids, ", ") + "."
}

// InsufficientBalanceError blocks a dispatch whose estimated cost exceeds the balance.
type InsufficientBalanceError struct {
	Balance BalanceCheck
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("dispatch: insufficient balance: current=%.2f required=%.2f", e.Balance.Current, e.Balance.Required)
}

func (e *InsufficientBalanceError) Remediation() string {
	return fmt.Sprintf("The balance of %.2f does not cover the %.2f required for %d item(s). Top up at least %.2f or dispatch fewer items.",
		e.Balance.Current, e.Balance.Required, e.Balance.Count, e.Balance.Missing)
}

type TransportKind string

const (
	KindConnection TransportKind = "connection_error"
	KindTimeout    TransportKind = "timeout"
	KindHTTPStatus TransportKind = "http_error"
)

// TransportError reports a failed worker call. It is never retried here.
type TransportError struct {
	Kind   TransportKind
	URL    string
	Status int
	Body   string
	Err    error
}

func (e *TransportError) Error() string {
	switch e.Kind {
	case KindHTTPStatus:
		return fmt.Sprintf("dispatch: worker returned http=%d %s", e.Status, e.Body)
	case KindTimeout:
		return "dispatch: worker call timed out"
	default:
		return fmt.Sprintf("dispatch: worker unreachable: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Remediation() string {
	switch e.Kind {
	case KindHTTPStatus:
		return "The worker rejected the batch; check the references and instructions before retrying."
	case KindTimeout:
		return "The worker did not answer in time; retry later or use the queued variant."
	default:
		return "The worker service is unreachable; retry later."
	}
}
