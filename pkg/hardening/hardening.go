// Package hardening refuses to start a production-like gateway with settings
// that are only safe on a developer machine.
package hardening

import (
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

// Secret is a required credential together with the well-known development
// value that must never reach production.
type Secret struct {
	Name    string
	Value   string
	Default string
}

type Options struct {
	Service            string
	Environment        string
	StrictProdSecurity bool
	VerboseErrors      bool
	Secrets            []Secret

	RedisAddr             string
	RedisRequireTLS       bool
	RedisTLSInsecure      bool
	RedisAllowInsecureTLS bool

	CORSAllowedOrigins string
}

// ValidateProduction reports every violated rule at once. It is a no-op
// outside production-like environments or when strict mode is switched off.
func ValidateProduction(o Options) error {
	if !IsProductionLike(o.Environment) || !o.StrictProdSecurity {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	var errs error
	fail := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf("%s: strict production hardening "+format, append([]any{service}, args...)...))
	}

	for _, s := range o.Secrets {
		v := strings.TrimSpace(s.Value)
		switch {
		case v == "":
			fail("requires %s", s.Name)
		case s.Default != "" && v == s.Default:
			fail("forbids the development default for %s", s.Name)
		}
	}
	if o.VerboseErrors {
		fail("forbids VERBOSE_ERRORS=true")
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !o.RedisRequireTLS {
			fail("requires REDIS_REQUIRE_TLS=true")
		}
		if o.RedisTLSInsecure || o.RedisAllowInsecureTLS {
			fail("forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS")
		}
	}
	for _, origin := range strings.Split(o.CORSAllowedOrigins, ",") {
		if msg := checkOrigin(strings.TrimSpace(origin)); msg != "" {
			fail("%s", msg)
		}
	}
	return errs
}

// checkOrigin returns a rule violation for one CORS origin. An empty list is
// allowed: it means no browser origin may call the gateway at all.
func checkOrigin(origin string) string {
	lower := strings.ToLower(origin)
	switch {
	case lower == "":
		return ""
	case lower == "*":
		return "forbids CORS wildcard origin"
	case strings.HasPrefix(lower, "http://localhost"), strings.HasPrefix(lower, "https://localhost"),
		strings.HasPrefix(lower, "http://127.0.0.1"), strings.HasPrefix(lower, "https://127.0.0.1"):
		return fmt.Sprintf("forbids localhost CORS origin %q", origin)
	case !strings.HasPrefix(lower, "https://"):
		return fmt.Sprintf("requires HTTPS CORS origin, got %q", origin)
	}
	return ""
}

func IsProductionLike(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
