package policy

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/google/shlex"
	"gopkg.in/yaml.v3"

	"github.com/isdmx/bruno/job"
)

// Rule is a single deny pattern in the command blocklist
type Rule struct {
	ID          string
	Severity    job.Severity
	Description string
	pattern     *regexp.Regexp
}

// Matches reports whether the command text trips this rule
func (r Rule) Matches(command string) bool {
	return r.pattern.MatchString(command)
}

func mustRule(id string, severity job.Severity, description, pattern string) Rule {
	return Rule{
		ID:          id,
		Severity:    severity,
		Description: description,
		pattern:     regexp.MustCompile(pattern),
	}
}

// builtinRules is the default dangerous-command blocklist
var builtinRules = []Rule{
	mustRule("deny-rm-root", job.SeverityCritical,
		"recursive delete of the filesystem root",
		`rm\s+-(?:[a-zA-Z]*r[a-zA-Z]*f|[a-zA-Z]*f[a-zA-Z]*r)[a-zA-Z]*\s+/(?:\s|$|\*)`),
	mustRule("deny-fork-bomb", job.SeverityHigh,
		"shell fork bomb",
		`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`),
	mustRule("deny-dd-device", job.SeverityCritical,
		"zero-device overwrite of a block device",
		`dd\s+[^|;&]*of=/dev/(?:sd|hd|nvme|vd|xvd)[a-z]`),
	mustRule("deny-device-redirect", job.SeverityCritical,
		"shell redirection onto a raw block device",
		`>\s*/dev/(?:sd|hd|nvme|vd|xvd)[a-z]`),
	mustRule("deny-chmod-root", job.SeverityHigh,
		"world-writable chmod of the filesystem root",
		`chmod\s+(?:-[a-zA-Z]+\s+)*0?777\s+/(?:\s|$)`),
	mustRule("deny-mkfs-device", job.SeverityHigh,
		"filesystem creation on a device node",
		`mkfs(?:\.[a-z0-9]+)?\s+/dev/`),
}

// privilegeEscalationRule is reported when sudo or su appears as a command
// token. Detection is token-based so "visudo" or paths containing "su" do
// not trip it.
var privilegeEscalationRule = Rule{
	ID:          "deny-priv-escalation",
	Severity:    job.SeverityHigh,
	Description: "privilege escalation via sudo or su",
}

// invokesPrivilegeEscalation tokenizes the command with shlex and reports
// whether any token resolves to sudo or su. A command that cannot be
// tokenized is treated as suspicious and reported as a match.
func invokesPrivilegeEscalation(command string) bool {
	tokens, err := shlex.Split(command)
	if err != nil {
		return true
	}
	for _, tok := range tokens {
		base := tok
		if idx := strings.LastIndex(tok, "/"); idx >= 0 {
			base = tok[idx+1:]
		}
		if base == "sudo" || base == "su" {
			return true
		}
	}
	return false
}

// ruleFile is the on-disk shape of an extra-rules YAML document
type ruleFile struct {
	Rules []struct {
		ID          string `yaml:"id"`
		Severity    string `yaml:"severity"`
		Description string `yaml:"description"`
		Pattern     string `yaml:"pattern"`
	} `yaml:"rules"`
}

// LoadRules reads extra deny rules from a YAML file. Loaded rules are
// evaluated after the built-ins.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}

	rules := make([]Rule, 0, len(file.Rules))
	for i, raw := range file.Rules {
		if raw.ID == "" {
			return nil, fmt.Errorf("rule %d: id is required", i)
		}
		severity := job.Severity(raw.Severity)
		switch severity {
		case job.SeverityLow, job.SeverityMedium, job.SeverityHigh, job.SeverityCritical:
		default:
			return nil, fmt.Errorf("rule %s: unknown severity %q", raw.ID, raw.Severity)
		}
		pattern, err := regexp.Compile(raw.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: invalid pattern: %w", raw.ID, err)
		}
		rules = append(rules, Rule{
			ID:          raw.ID,
			Severity:    severity,
			Description: raw.Description,
			pattern:     pattern,
		})
	}
	return rules, nil
}

// requiredCapabilities returns the capabilities a job's spec demands
func requiredCapabilities(spec job.Spec) []job.Capability {
	switch s := spec.(type) {
	case job.ShellSpec:
		return []job.Capability{job.CapExecute}
	case job.ScriptSpec:
		return []job.Capability{job.CapExecute}
	case job.FileSpec:
		switch s.Op {
		case job.FileWrite:
			return []job.Capability{job.CapFilesystemWrite}
		default:
			return []job.Capability{job.CapFilesystemRead}
		}
	case job.APISpec:
		return []job.Capability{job.CapNetwork}
	case job.DatabaseSpec:
		if s.Op == job.DatabaseWrite {
			return []job.Capability{job.CapDatabaseWrite}
		}
		return []job.Capability{job.CapDatabaseRead}
	default:
		return nil
	}
}
