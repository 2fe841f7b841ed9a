package pgpgate

// Activation controls where the gateway applies.
type Activation string

const (
	// ActivationNone disables the gateway entirely.
	ActivationNone Activation = "none"

	// ActivationProject activates the gateway only on projects where the
	// host has enabled it.
	ActivationProject Activation = "project"

	// ActivationAll activates the gateway everywhere.
	ActivationAll Activation = "all"
)

// UnencryptedMode is the disposition for recipients without a key.
type UnencryptedMode string

const (
	// UnencryptedBlocked drops keyless recipients silently.
	UnencryptedBlocked UnencryptedMode = "blocked"

	// UnencryptedFiltered sends keyless recipients a reduced rendering,
	// signed but not encrypted.
	UnencryptedFiltered UnencryptedMode = "filtered"

	// UnencryptedUnchanged sends keyless recipients the normal mail.
	UnencryptedUnchanged UnencryptedMode = "unchanged"
)

// Policy is the administrator configuration read by both pipelines.
// Pipelines take an immutable snapshot at the start of each message; a
// Policy value is never mutated mid-pipeline.
type Policy struct {
	// Activation is the gateway's activation scope.
	Activation Activation

	// UnencryptedMails is the disposition for recipients without a key.
	UnencryptedMails UnencryptedMode

	// SignatureNeeded rejects inbound mail without a valid, correlated
	// signature (subject to activation scope).
	SignatureNeeded bool

	// EncryptedHTML includes the HTML body variant in encrypted mail.
	EncryptedHTML bool

	// FilteredMailFooter is appended to the filtered rendering.
	FilteredMailFooter string

	// PlainTextOnly mirrors the host's plain-text-mail setting; when set,
	// no pass ever includes an HTML variant.
	PlainTextOnly bool
}

// DefaultPolicy returns the configuration the gateway ships with.
func DefaultPolicy() Policy {
	return Policy{
		Activation:       ActivationProject,
		UnencryptedMails: UnencryptedFiltered,
	}
}

// PolicySource provides the current policy. Pipelines call it exactly once
// per message, at the start of processing.
type PolicySource interface {
	Policy() Policy
}

// PolicyFunc adapts a function to the PolicySource interface.
type PolicyFunc func() Policy

// Policy implements PolicySource.
func (f PolicyFunc) Policy() Policy { return f() }

// StaticPolicy returns a PolicySource that always yields p.
func StaticPolicy(p Policy) PolicySource {
	return PolicyFunc(func() Policy { return p })
}

// Project is the host's view of a project, reduced to what the gateway
// needs for activation checks.
type Project struct {
	// ID is the host's project id.
	ID int

	// Enabled reports whether the host has enabled the gateway module on
	// this project.
	Enabled bool
}

// Active reports whether the gateway applies to the given project. Under
// "project" activation a nil project is active only for global actions
// (password resets and other mails that have no project), mirroring the
// outbound activation rule so both pipelines gate identically.
func (p Policy) Active(project *Project, global bool) bool {
	switch p.Activation {
	case ActivationAll:
		return true
	case ActivationProject:
		if project == nil {
			return global
		}
		return project.Enabled
	default:
		return false
	}
}
