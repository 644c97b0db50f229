package telemetry

import "github.com/spec-kit/site-telemetry/internal/config"

// Policy decides what an opted-out request still contributes.
type Policy struct {
	Cookie string
	Header string
	// Mode is one of config.OptOutAll, config.OptOutPersistence or config.OptOutMetrics.
	Mode string
}

// PolicyFromConfig builds the opt-out policy from configuration.
func PolicyFromConfig(cfg config.TelemetryConfig) Policy {
	return Policy{Cookie: cfg.OptOutCookie, Header: cfg.OptOutHeader, Mode: cfg.OptOutMode}
}

// Signalled reports whether the request carries a non-empty opt-out cookie or header value.
func (p Policy) Signalled(cookie, header string) bool {
	return cookie != "" || header != ""
}

// collect returns which concerns still apply to a request.
func (p Policy) collect(optedOut bool) (metrics, persist bool) {
	if !optedOut {
		return true, true
	}
	switch p.Mode {
	case config.OptOutPersistence:
		return true, false
	case config.OptOutMetrics:
		return false, true
	default:
		return false, false
	}
}
