// Package pipelines selects which pipeline files to run for a visit.
//
// A config is an ordered list of rules. Each rule optionally constrains the
// survey name and carries a prioritized list of pipeline files; the first
// rule matching a visit wins, even if a later rule would match more
// specifically. A rule may carry an empty (or null) pipeline list, meaning
// the matching visits should be skipped.
package pipelines

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/promptkit-io/activator/internal/visit"
)

var (
	// ErrEmptyConfig is returned when a config holds no rules at all.
	ErrEmptyConfig = errors.New("must configure at least one pipeline rule")

	// ErrNoMatchingRule is returned by Resolve when no rule matches a visit.
	ErrNoMatchingRule = errors.New("no pipeline rule matches visit")
)

// Rule is one case of which pipelines to run in particular circumstances, as
// it appears in configuration.
type Rule struct {
	// Survey constrains the rule to visits of one survey. A nil survey
	// matches any visit.
	Survey *string `yaml:"survey"`

	// Pipelines is a prioritized list of pipeline files. Paths may contain
	// environment variable references. A null list is a valid "run nothing"
	// designation.
	Pipelines []string `yaml:"pipelines"`
}

// Config resolves visits to prioritized pipeline file lists.
type Config struct {
	rules []rule
}

type rule struct {
	survey    *string
	filenames []string
}

// New validates and compiles a rule list. Environment variables in pipeline
// paths are expanded and the paths normalized here, at construction, so that
// resolution never depends on the environment at use time.
func New(rules []Rule) (*Config, error) {
	if len(rules) == 0 {
		return nil, ErrEmptyConfig
	}

	cfg := &Config{rules: make([]rule, 0, len(rules))}
	baseNames := make(map[string]struct{})

	for i, r := range rules {
		filenames := make([]string, 0, len(r.Pipelines))

		for _, path := range r.Pipelines {
			if path == "" || path == "None" {
				return nil, fmt.Errorf("rule %d: pipeline entries must be file paths, got %q", i, path)
			}

			expanded, err := filepath.Abs(os.ExpandEnv(path))
			if err != nil {
				return nil, fmt.Errorf("rule %d: pipeline path %q is invalid: %w", i, path, err)
			}

			// The base name is used as a cache and run-collection key later,
			// so it must be unique across the whole config.
			base := strings.TrimSuffix(filepath.Base(expanded), filepath.Ext(expanded))
			if _, dup := baseNames[base]; dup {
				return nil, fmt.Errorf("pipeline names must be unique, found multiple copies of %q", base)
			}

			baseNames[base] = struct{}{}

			filenames = append(filenames, expanded)
		}

		cfg.rules = append(cfg.rules, rule{survey: r.Survey, filenames: filenames})
	}

	return cfg, nil
}

// Parse builds a Config from its YAML representation: a sequence of rule
// nodes. A scalar "None" in place of a pipelines list is accepted as a
// synonym for an empty list.
func Parse(data []byte) (*Config, error) {
	var nodes []struct {
		Survey    *string   `yaml:"survey"`
		Pipelines yaml.Node `yaml:"pipelines"`
	}

	if err := yaml.Unmarshal(data, &nodes); err != nil {
		return nil, fmt.Errorf("failed to parse pipelines config: %w", err)
	}

	rules := make([]Rule, 0, len(nodes))

	for i, n := range nodes {
		files, err := parsePipelinesNode(n.Pipelines)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}

		rules = append(rules, Rule{Survey: n.Survey, Pipelines: files})
	}

	return New(rules)
}

func parsePipelinesNode(node yaml.Node) ([]string, error) {
	switch node.Kind {
	case 0:
		// Key absent entirely.
		return nil, nil
	case yaml.ScalarNode:
		if node.Tag == "!!null" || node.Value == "None" {
			return nil, nil
		}

		return nil, fmt.Errorf("pipelines spec must be a list or null, got %q", node.Value)
	case yaml.SequenceNode:
		var files []string
		if err := node.Decode(&files); err != nil {
			return nil, fmt.Errorf("pipelines list is invalid: %w", err)
		}

		return files, nil
	default:
		return nil, errors.New("pipelines spec must be a list or null")
	}
}

// Resolve identifies the pipelines to run for a visit. The first rule that
// matches wins; no other rules are considered even if they would provide a
// tighter match. An empty result means no pipeline should be run on this
// visit.
func (c *Config) Resolve(v visit.Visit) ([]string, error) {
	for _, r := range c.rules {
		if r.survey != nil && *r.survey != v.Survey {
			continue
		}

		return r.filenames, nil
	}

	return nil, fmt.Errorf("%w: survey %q", ErrNoMatchingRule, v.Survey)
}

// BaseName returns the pipeline identifier derived from a pipeline file
// path: the file name without its extension.
func BaseName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}
