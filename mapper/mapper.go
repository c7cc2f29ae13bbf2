// Package mapper transforms a verifier.Verdict into the five-boolean
// Public Result schema consumed by external callers.
package mapper

import (
	"regexp"

	"github.com/verimx/verimx/verifier"
)

// PublicResult is the public JSON schema from spec.md §3/§4.6.
type PublicResult struct {
	CanConnectSMTP bool `json:"can_connect_smtp"`
	IsDeliverable  bool `json:"is_deliverable"`
	IsCatchAll     bool `json:"is_catch_all"`
	HasFullInbox   bool `json:"has_full_inbox"`
	IsDisabled     bool `json:"is_disabled"`
}

var fullMailboxPattern = regexp.MustCompile(`(?i)quota|full|insufficient storage|storage exceeded|limit exceeded`)

var disabledAccountPattern = regexp.MustCompile(`(?i)disabled|suspended|inactive|deactivated|account closed|not active`)

var fullMailboxCodes = map[int]bool{452: true, 552: true, 554: true}

// Map applies spec.md §4.6's transform to v.
func Map(v *verifier.Verdict) PublicResult {
	r := PublicResult{
		CanConnectSMTP: v.Details.SMTPCode != 0,
		IsDeliverable:  v.Status == verifier.Valid || v.Status == verifier.CatchAll,
		IsCatchAll:     v.Status == verifier.CatchAll || v.Details.CatchAllActive,
	}

	if fullMailboxCodes[v.Details.SMTPCode] && fullMailboxPattern.MatchString(v.Details.SMTPMessage) {
		r.HasFullInbox = true
		r.IsDeliverable = false
	}

	if v.Details.SMTPCode == 550 && disabledAccountPattern.MatchString(v.Details.SMTPMessage) {
		r.IsDisabled = true
		r.IsDeliverable = false
	}

	return r
}
