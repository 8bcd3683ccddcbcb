// internal/audit/errors.go
//
// Security-error type raised by the query auditor.  The Error() text is
// meant for server-side logs; callers surface a generic "request denied"
// to the client and keep the table name and reason out of responses.

package audit

import "fmt"

// SecurityError means a query was rejected at the tenant boundary, or an
// unauthorized bypass was requested.  Always fatal to the current
// operation; never downgrade it.
type SecurityError struct {
	Table  string
	Reason string
}

func (e *SecurityError) Error() string {
	if e.Table == "" {
		return "query audit: " + e.Reason
	}
	return fmt.Sprintf("query audit: %s (table %s)", e.Reason, e.Table)
}
