// Package admission decides whether a job offered by the broker may run
// locally, and cancels the upstream workflow run when it may not.
package admission

import (
	"fmt"
	"log/slog"
	"strings"
)

// Scope selects which logins are checked against the policy.
type Scope string

const (
	// ScopeEveryone admits every job.
	ScopeEveryone Scope = "everyone"
	// ScopeTrigger checks only the actor that triggered the run.
	ScopeTrigger Scope = "trigger"
	// ScopeContributors checks every contributor of the repository.
	ScopeContributors Scope = "contributors"
)

// Policy decides which logins are allowed.
type Policy string

const (
	// PolicyJustMe allows only the authenticated user.
	PolicyJustMe Policy = "just-me"
	// PolicyAllowlist allows the authenticated user and AllowedUsers.
	PolicyAllowlist Policy = "allowlist"
)

// Filter is the user filter configuration.
type Filter struct {
	Scope        Scope    `yaml:"scope" json:"scope"`
	Policy       Policy   `yaml:"policy" json:"policy"`
	AllowedUsers []string `yaml:"allowed_users,omitempty" json:"allowedUsers,omitempty"`

	// Mode is the older single-field form. Normalize folds it into Scope
	// and Policy.
	Mode string `yaml:"mode,omitempty" json:"mode,omitempty"`
}

// Normalize maps a legacy Mode onto Scope and Policy and fills defaults.
// An unknown mode falls back to everyone and is logged.
func (f Filter) Normalize(logger *slog.Logger) Filter {
	if f.Mode != "" {
		switch strings.ToLower(f.Mode) {
		case "everyone":
			f.Scope, f.Policy = ScopeEveryone, ""
		case "just-me", "justme":
			f.Scope, f.Policy = ScopeTrigger, PolicyJustMe
		case "allowlist", "allow-list":
			f.Scope, f.Policy = ScopeTrigger, PolicyAllowlist
		case "contributors":
			f.Scope, f.Policy = ScopeContributors, PolicyAllowlist
		default:
			if logger != nil {
				logger.Warn("unknown legacy filter mode, admitting everyone", slog.String("mode", f.Mode))
			}
			f.Scope, f.Policy = ScopeEveryone, ""
		}
		f.Mode = ""
	}

	if f.Scope == "" {
		f.Scope = ScopeEveryone
	}
	if f.Scope != ScopeEveryone && f.Policy == "" {
		f.Policy = PolicyJustMe
	}
	return f
}

// Validate checks a normalized filter.
func (f Filter) Validate() error {
	switch f.Scope {
	case ScopeEveryone:
		return nil
	case ScopeTrigger, ScopeContributors:
	default:
		return fmt.Errorf("filter scope %q is not supported (supported: everyone, trigger, contributors)", f.Scope)
	}
	switch f.Policy {
	case PolicyJustMe, PolicyAllowlist:
	default:
		return fmt.Errorf("filter policy %q is not supported (supported: just-me, allowlist)", f.Policy)
	}
	return nil
}

// NeedsContributors reports whether a decision requires the repository's
// contributor list.
func (f Filter) NeedsContributors() bool {
	return f.Scope == ScopeContributors
}

// Decision is the outcome of evaluating one offer.
type Decision struct {
	Admit  bool
	Reason string
}

// Decide applies f to an offer. currentUser is the authenticated login;
// contributors is only consulted for ScopeContributors. Logins compare
// case-insensitively.
func Decide(f Filter, currentUser, actor string, contributors []string) Decision {
	switch f.Scope {
	case ScopeEveryone, "":
		return Decision{Admit: true, Reason: "filter admits everyone"}

	case ScopeTrigger:
		if allowed(f, currentUser, actor) {
			return Decision{Admit: true, Reason: fmt.Sprintf("actor %s is allowed", actor)}
		}
		return Decision{Reason: fmt.Sprintf("actor %q is not allowed", actor)}

	case ScopeContributors:
		logins := contributors
		if actor != "" {
			logins = append([]string{actor}, contributors...)
		}
		for _, login := range logins {
			if !allowed(f, currentUser, login) {
				return Decision{Reason: fmt.Sprintf("contributor %q is not allowed", login)}
			}
		}
		return Decision{Admit: true, Reason: "all contributors are allowed"}
	}
	return Decision{Reason: fmt.Sprintf("unsupported filter scope %q", f.Scope)}
}

func allowed(f Filter, currentUser, login string) bool {
	if login == "" {
		return false
	}
	if currentUser != "" && strings.EqualFold(login, currentUser) {
		return true
	}
	if f.Policy != PolicyAllowlist {
		return false
	}
	for _, u := range f.AllowedUsers {
		if strings.EqualFold(strings.TrimSpace(u), login) {
			return true
		}
	}
	return false
}
