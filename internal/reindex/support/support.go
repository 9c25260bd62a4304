// Package support implements the SupportResolver interface ReindexTask
// consults to learn which extraction rules exist for a resource type and
// to promote rules from Supported to Searchable once a reindex completes.
package support

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ParamInfo describes one extraction rule (search parameter).
type ParamInfo struct {
	URL          string `yaml:"url"`
	Name         string `yaml:"name"`
	ResourceType string `yaml:"resourceType"`
}

// RuleState is the lifecycle state of an extraction rule.
type RuleState string

const (
	StateDisabled   RuleState = "Disabled"
	StateSupported  RuleState = "Supported"
	StateSearchable RuleState = "Searchable"
)

// Resolver is the read-only oracle ReindexTask consults for a resource
// type's extraction rules and to promote rules once a reindex completes.
type Resolver interface {
	SearchableParameters(ctx context.Context, typ string) ([]ParamInfo, error)
	SupportedButNotSearchable(ctx context.Context, typ string) ([]ParamInfo, error)
	Hash(ctx context.Context, typ string) (string, error)
	Promote(ctx context.Context, urls []string) error
}

// YAMLResolver is a Resolver backed by a YAML-described rule manifest, the
// same loader shape the teacher's yaml config uses: read once at startup,
// held in memory, mutated only through Promote.
type YAMLResolver struct {
	mu    sync.RWMutex
	rules map[string]ruleEntry // keyed by URL
}

type ruleEntry struct {
	info  ParamInfo
	state RuleState
}

type manifest struct {
	Rules []struct {
		ParamInfo `yaml:",inline"`
		State     RuleState `yaml:"state"`
	} `yaml:"rules"`
}

// LoadFile reads a rule manifest from path.
func LoadFile(path string) (*YAMLResolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("support: read manifest: %w", err)
	}
	return Load(data)
}

// Load parses a rule manifest from raw YAML bytes.
func Load(data []byte) (*YAMLResolver, error) {
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("support: parse manifest: %w", err)
	}

	r := &YAMLResolver{rules: make(map[string]ruleEntry, len(m.Rules))}
	for _, entry := range m.Rules {
		state := entry.State
		if state == "" {
			state = StateSupported
		}
		r.rules[entry.URL] = ruleEntry{info: entry.ParamInfo, state: state}
	}
	return r, nil
}

// SearchableParameters returns rules already promoted to Searchable for typ.
func (r *YAMLResolver) SearchableParameters(ctx context.Context, typ string) ([]ParamInfo, error) {
	return r.byState(typ, StateSearchable), nil
}

// SupportedButNotSearchable returns rules a reindex still needs to promote.
func (r *YAMLResolver) SupportedButNotSearchable(ctx context.Context, typ string) ([]ParamInfo, error) {
	return r.byState(typ, StateSupported), nil
}

func (r *YAMLResolver) byState(typ string, state RuleState) []ParamInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ParamInfo
	for _, e := range r.rules {
		if e.info.ResourceType == typ && e.state == state {
			out = append(out, e.info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// Hash returns a deterministic digest over every currently-materializable
// (Searchable or Supported) rule for typ — a change in that set changes the
// hash, which is how stores detect their index rows have gone stale.
func (r *YAMLResolver) Hash(ctx context.Context, typ string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var urls []string
	for _, e := range r.rules {
		if e.info.ResourceType != typ {
			continue
		}
		if e.state == StateSearchable || e.state == StateSupported {
			urls = append(urls, e.info.URL)
		}
	}
	sort.Strings(urls)
	sum := sha256.Sum256([]byte(strings.Join(urls, "\x1f")))
	return hex.EncodeToString(sum[:])[:16], nil
}

// Promote sets the given rule URLs to Searchable.
func (r *YAMLResolver) Promote(ctx context.Context, urls []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range urls {
		e, ok := r.rules[u]
		if !ok {
			continue
		}
		e.state = StateSearchable
		r.rules[u] = e
	}
	return nil
}
