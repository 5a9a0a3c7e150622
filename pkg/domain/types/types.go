package types

// Version is embedded at build time via ldflags.
var Version = "dev"

// Provider identifies a source code hosting provider.
type Provider string

const (
	ProviderGitHub    Provider = "github"
	ProviderGitLab    Provider = "gitlab"
	ProviderBitbucket Provider = "bitbucket"
)

// Validate reports whether p is a known provider.
func (p Provider) Validate() bool {
	switch p {
	case ProviderGitHub, ProviderGitLab, ProviderBitbucket:
		return true
	}
	return false
}

// Pipeline defaults. Overridable via CLI flags.
const (
	DefaultReplayWindowSeconds = 300
	DefaultRateLimitPerMinute  = 1000
	DefaultMaxPayloadBytes     = 10 * 1024 * 1024
	DefaultRunTimeoutSeconds   = 600
)
