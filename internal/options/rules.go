package options

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ldaptools/ldap-distd/internal/helper"
	"github.com/ldaptools/ldap-distd/internal/ldapclient"
)

// GroupRule is one group override in a helper rule. Order in the rules
// file is priority order: the first matching group supplies the context.
type GroupRule struct {
	Base            string            `yaml:"base"`
	Scope           string            `yaml:"scope"`
	Filter          string            `yaml:"filter"`
	MemberAttribute string            `yaml:"member_attribute"`
	CacheTTL        string            `yaml:"cache_ttl"`
	Options         map[string]string `yaml:"options"`
}

// HelperRule configures one controller: which helper runs, how often, and
// which part of the directory it covers.
type HelperRule struct {
	Name         string            `yaml:"name"`
	Helper       string            `yaml:"helper"`
	Interval     string            `yaml:"interval"`
	SearchBase   string            `yaml:"search_base"`
	SearchFilter string            `yaml:"search_filter"`
	RequireGroup bool              `yaml:"require_group"`
	Options      map[string]string `yaml:"options"`
	Groups       []GroupRule       `yaml:"groups"`
}

// Rules is the parsed YAML rules file.
type Rules struct {
	Helpers []HelperRule `yaml:"helpers"`
}

// LoadRules reads and validates the rules file.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("options: read rules file: %w", err)
	}

	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("options: parse rules file %s: %w", path, err)
	}

	seen := make(map[string]bool, len(rules.Helpers))
	for i, rule := range rules.Helpers {
		field := func(name string) string { return fmt.Sprintf("helpers[%d].%s", i, name) }

		if rule.Name == "" {
			return nil, ValidationError{Field: field("name"), Message: "this option is required"}
		}
		if seen[rule.Name] {
			return nil, ValidationError{Field: field("name"), Message: fmt.Sprintf("duplicate helper name %q", rule.Name)}
		}
		seen[rule.Name] = true

		if rule.Helper == "" {
			return nil, ValidationError{Field: field("helper"), Message: "this option is required"}
		}
		if rule.SearchBase == "" {
			return nil, ValidationError{Field: field("search_base"), Message: "this option is required"}
		}
		if rule.SearchFilter == "" {
			return nil, ValidationError{Field: field("search_filter"), Message: "this option is required"}
		}
		if _, err := rule.interval(); err != nil {
			return nil, ValidationError{Field: field("interval"), Message: err.Error()}
		}

		for j, group := range rule.Groups {
			gfield := func(name string) string { return fmt.Sprintf("helpers[%d].groups[%d].%s", i, j, name) }

			if group.Base == "" {
				return nil, ValidationError{Field: gfield("base"), Message: "this option is required"}
			}
			if group.Filter == "" {
				return nil, ValidationError{Field: gfield("filter"), Message: "this option is required"}
			}
			if _, err := ldapclient.ParseScope(group.Scope); err != nil {
				return nil, ValidationError{Field: gfield("scope"), Message: err.Error()}
			}
			if _, err := group.cacheTTL(); err != nil {
				return nil, ValidationError{Field: gfield("cache_ttl"), Message: err.Error()}
			}
		}
	}

	return &rules, nil
}

func (r HelperRule) interval() (time.Duration, error) {
	if r.Interval == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(r.Interval)
	if err != nil {
		return 0, fmt.Errorf("could not parse %q as duration", r.Interval)
	}
	if d < 0 {
		return 0, fmt.Errorf("interval must not be negative")
	}

	return d, nil
}

func (g GroupRule) cacheTTL() (time.Duration, error) {
	if g.CacheTTL == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(g.CacheTTL)
	if err != nil {
		return 0, fmt.Errorf("could not parse %q as duration", g.CacheTTL)
	}
	if d < 0 {
		return 0, fmt.Errorf("cache_ttl must not be negative")
	}

	return d, nil
}

// Controllers builds the configured helper controllers in file order,
// resolving helper ids and parsing every option mapping. A group rule
// without an options mapping reuses the controller's default context.
func (r *Rules) Controllers() ([]*helper.Controller, error) {
	ctrls := make([]*helper.Controller, 0, len(r.Helpers))

	for _, rule := range r.Helpers {
		interval, err := rule.interval()
		if err != nil {
			return nil, err
		}

		ctrl, err := helper.NewController(
			rule.Name,
			rule.Helper,
			interval,
			rule.SearchBase,
			rule.SearchFilter,
			rule.RequireGroup,
			rule.Options,
		)
		if err != nil {
			return nil, fmt.Errorf("options: helper %q: %w", rule.Name, err)
		}

		for _, group := range rule.Groups {
			scope, err := ldapclient.ParseScope(group.Scope)
			if err != nil {
				return nil, err
			}
			ttl, err := group.cacheTTL()
			if err != nil {
				return nil, err
			}

			filter := ldapclient.NewGroupFilter(group.Base, scope, group.Filter, group.MemberAttribute)
			filter.CacheTTL = ttl

			if err := ctrl.AddGroup(filter, group.Options); err != nil {
				return nil, fmt.Errorf("options: helper %q group %q: %w", rule.Name, group.Filter, err)
			}
		}

		ctrls = append(ctrls, ctrl)
	}

	return ctrls, nil
}
