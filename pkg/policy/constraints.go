package policy

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConstraintConfig is the static, operator-edited parameter-constraint
// configuration: per-tool URL allow/deny lists and size limits, and
// per-tool recipient domain lists. Loaded once at startup from YAML so
// constraint changes don't require a redeploy of the binary.
type ConstraintConfig struct {
	HTTPFetch struct {
		AllowedDomains []string `yaml:"allowed_domains"`
		DeniedDomains  []string `yaml:"denied_domains"`
		MaxBytes       int64    `yaml:"max_bytes"`
	} `yaml:"http_fetch"`
	Mail struct {
		AllowedToDomains []string `yaml:"allowed_to_domains"`
	} `yaml:"mail"`
}

// LoadConstraintConfig reads and parses a parameter-constraint
// configuration file.
func LoadConstraintConfig(path string) (*ConstraintConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read constraint config: %w", err)
	}
	var cfg ConstraintConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("policy: parse constraint config: %w", err)
	}
	return &cfg, nil
}

// URLConstraint enforces that an http_fetch request's "url" param
// resolves to a host in the allowlist (and not in the denylist), and
// that an optional "content_length" param doesn't exceed the configured
// byte ceiling.
type URLConstraint struct {
	cfg *ConstraintConfig
}

func NewURLConstraint(cfg *ConstraintConfig) *URLConstraint {
	return &URLConstraint{cfg: cfg}
}

func (c *URLConstraint) Check(tool, action string, params map[string]any) (bool, string) {
	if tool != "http_fetch" {
		return true, ""
	}

	raw, _ := params["url"].(string)
	if raw == "" {
		return false, ReasonParams
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Hostname() == "" {
		return false, ReasonParams
	}
	host := strings.ToLower(parsed.Hostname())

	for _, denied := range c.cfg.HTTPFetch.DeniedDomains {
		if matchesDomain(host, denied) {
			return false, ReasonParams
		}
	}

	if len(c.cfg.HTTPFetch.AllowedDomains) > 0 {
		allowed := false
		for _, d := range c.cfg.HTTPFetch.AllowedDomains {
			if matchesDomain(host, d) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false, ReasonParams
		}
	}

	if c.cfg.HTTPFetch.MaxBytes > 0 {
		if size, ok := params["content_length"].(float64); ok && int64(size) > c.cfg.HTTPFetch.MaxBytes {
			return false, ReasonParams
		}
	}

	return true, ""
}

// MailDomainConstraint enforces that a mail send's "to" address domain
// is in the configured allowlist.
type MailDomainConstraint struct {
	cfg *ConstraintConfig
}

func NewMailDomainConstraint(cfg *ConstraintConfig) *MailDomainConstraint {
	return &MailDomainConstraint{cfg: cfg}
}

func (c *MailDomainConstraint) Check(tool, action string, params map[string]any) (bool, string) {
	if tool != "mail" && tool != "gmail" {
		return true, ""
	}
	if len(c.cfg.Mail.AllowedToDomains) == 0 {
		return true, ""
	}

	to, _ := params["to"].(string)
	at := strings.LastIndex(to, "@")
	if at < 0 {
		return false, ReasonParams
	}
	domain := strings.ToLower(to[at+1:])

	for _, allowed := range c.cfg.Mail.AllowedToDomains {
		if matchesDomain(domain, allowed) {
			return true, ""
		}
	}
	return false, ReasonParams
}

// matchesDomain reports whether host equals pattern or is a subdomain of
// it when pattern is prefixed with "*.".
func matchesDomain(host, pattern string) bool {
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[1:] // ".example.com"
		return strings.HasSuffix(host, suffix) || host == pattern[2:]
	}
	return host == pattern
}
