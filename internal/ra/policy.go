package ra

import (
	"regexp"

	"go.uber.org/zap"

	"github.com/peersec/peerca/internal/protocol"
)

// Policy verdicts.
const (
	VerdictAccept    = "accept"
	VerdictAuthorize = "authorize"
	VerdictDeny      = "deny"
)

// GetPolicy evaluates the configured rule chain for a client program against
// a registration request. The first matching rule wins; no rule or no match
// means manual authorization.
func (r *Authority) GetPolicy(programName string, req *protocol.CertificateRegistration) string {
	program := r.cfg.Program(programName)
	for _, rule := range program.Policy {
		if r.ruleMatches(rule.Avatar, rule.Email, rule.World, req) {
			return rule.Verdict
		}
	}
	return VerdictAuthorize
}

// GetExtensions collects the certificate extensions the configured rule
// chain assigns to a registration request.
func (r *Authority) GetExtensions(req *protocol.CertificateRegistration) map[string]string {
	program := r.cfg.Program(req.ProgramName)
	extensions := make(map[string]string)
	for _, rule := range program.Extensions {
		if r.ruleMatches(rule.Avatar, rule.Email, rule.World, req) {
			extensions[rule.Name] = rule.Value
		}
	}
	return extensions
}

// ruleMatches applies the three optional patterns; an empty pattern matches
// anything. A pattern that fails to compile disables its rule.
func (r *Authority) ruleMatches(avatar, email, world string, req *protocol.CertificateRegistration) bool {
	for _, probe := range []struct {
		pattern string
		value   string
	}{
		{avatar, req.Avatar},
		{email, req.Email},
		{world, req.World},
	} {
		if probe.pattern == "" {
			continue
		}
		matched, err := regexp.MatchString(probe.pattern, probe.value)
		if err != nil {
			r.logger.Warn("invalid rule pattern, skipping rule", zap.String("pattern", probe.pattern), zap.Error(err))
			return false
		}
		if !matched {
			return false
		}
	}
	return true
}
