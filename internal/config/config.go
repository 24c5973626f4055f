package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"trail/internal/domain"
	"trail/internal/policy"
)

const FileName = "trail.yml"

// Config models trail.yml.
type Config struct {
	Closure struct {
		DefaultDelay time.Duration `yaml:"default_delay"`
		PollInterval time.Duration `yaml:"poll_interval"`
		Workers      int           `yaml:"workers"`
		FireTimeout  time.Duration `yaml:"fire_timeout"`
	} `yaml:"closure"`
	Policies struct {
		DefaultTier string                `yaml:"default_tier"`
		Tiers       map[string]PolicyTier `yaml:"tiers"`
		// Workspaces binds workspace ids to tier names.
		Workspaces map[string]string `yaml:"workspaces"`
	} `yaml:"policies"`
	Drafts struct {
		OnJiraStatus []string `yaml:"on_jira_status"`
	} `yaml:"drafts"`
	Jira struct {
		DoneStatus string `yaml:"done_status"`
	} `yaml:"jira"`
	Notifications struct {
		MaxAttempts  int             `yaml:"max_attempts"`
		BaseBackoff  time.Duration   `yaml:"base_backoff"`
		MaxBackoff   time.Duration   `yaml:"max_backoff"`
		PollInterval time.Duration   `yaml:"poll_interval"`
		Workers      int             `yaml:"workers"`
		Webhooks     []WebhookConfig `yaml:"webhooks"`
	} `yaml:"notifications"`
	Share struct {
		TTL time.Duration `yaml:"ttl"`
	} `yaml:"share"`
}

type PolicyTier struct {
	Require []string `yaml:"require"`
	Exclude []string `yaml:"exclude"`
	// Cures maps an excluded type to the event type that clears it.
	Cures          map[string]string `yaml:"cures"`
	MinApprovals   int               `yaml:"min_approvals"`
	AutoCloseDelay time.Duration     `yaml:"auto_close_delay"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

func (w WebhookConfig) Active() bool {
	return (w.Enabled == nil || *w.Enabled) && strings.TrimSpace(w.URL) != ""
}

// Load reads and validates config from the data directory.
func Load(dataDir string) (*Config, error) {
	path := Path(dataDir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with trail config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Policies.Tiers) == 0 {
		return fmt.Errorf("config.policies.tiers is required")
	}
	if c.Policies.DefaultTier == "" {
		return fmt.Errorf("config.policies.default_tier is required")
	}
	if _, ok := c.Policies.Tiers[c.Policies.DefaultTier]; !ok {
		return fmt.Errorf("default tier %s not defined", c.Policies.DefaultTier)
	}
	for name, tier := range c.Policies.Tiers {
		if name == "" {
			return fmt.Errorf("config.policies.tiers contains empty tier name")
		}
		for _, req := range tier.Require {
			t := domain.EventType(req)
			if !t.Known() {
				return fmt.Errorf("tier %s requires unknown event type %q", name, req)
			}
			if t.Lifecycle() {
				return fmt.Errorf("tier %s cannot require lifecycle event %s", name, req)
			}
		}
		for _, ex := range tier.Exclude {
			if strings.TrimSpace(ex) == "" {
				return fmt.Errorf("tier %s has empty excluded event type", name)
			}
		}
		for ex, cure := range tier.Cures {
			if !containsString(tier.Exclude, ex) {
				return fmt.Errorf("tier %s has a cure for %s, which it does not exclude", name, ex)
			}
			if cure == "" {
				continue
			}
			t := domain.EventType(cure)
			if !t.Known() || t.Lifecycle() {
				return fmt.Errorf("tier %s cures %s with unusable event type %q", name, ex, cure)
			}
		}
		if tier.MinApprovals < 0 {
			return fmt.Errorf("tier %s min_approvals must be >= 0", name)
		}
		if tier.AutoCloseDelay < 0 {
			return fmt.Errorf("tier %s auto_close_delay must be >= 0", name)
		}
	}
	for ws, tier := range c.Policies.Workspaces {
		if _, ok := c.Policies.Tiers[tier]; !ok {
			return fmt.Errorf("workspace %s bound to undefined tier %s", ws, tier)
		}
	}
	if c.Closure.DefaultDelay < 0 || c.Closure.PollInterval < 0 || c.Closure.FireTimeout < 0 {
		return fmt.Errorf("config.closure durations must be >= 0")
	}
	if c.Closure.Workers < 0 {
		return fmt.Errorf("config.closure.workers must be >= 0")
	}
	if c.Notifications.MaxAttempts < 0 {
		return fmt.Errorf("config.notifications.max_attempts must be >= 0")
	}
	if c.Notifications.MaxBackoff > 0 && c.Notifications.BaseBackoff > c.Notifications.MaxBackoff {
		return fmt.Errorf("config.notifications.base_backoff exceeds max_backoff")
	}
	for i, hook := range c.Notifications.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.notifications.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.notifications.webhooks[%d].timeout_seconds must be >= 0", i)
		}
	}
	if c.Share.TTL < 0 {
		return fmt.Errorf("config.share.ttl must be >= 0")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Closure.DefaultDelay == 0 {
		c.Closure.DefaultDelay = policy.DefaultAutoCloseDelay
	}
	if c.Closure.PollInterval == 0 {
		c.Closure.PollInterval = 5 * time.Second
	}
	if c.Closure.Workers == 0 {
		c.Closure.Workers = 4
	}
	if c.Closure.FireTimeout == 0 {
		c.Closure.FireTimeout = 30 * time.Second
	}
	if c.Notifications.MaxAttempts == 0 {
		c.Notifications.MaxAttempts = 5
	}
	if c.Notifications.BaseBackoff == 0 {
		c.Notifications.BaseBackoff = 2 * time.Second
	}
	if c.Notifications.MaxBackoff == 0 {
		c.Notifications.MaxBackoff = 5 * time.Minute
	}
	if c.Notifications.PollInterval == 0 {
		c.Notifications.PollInterval = 2 * time.Second
	}
	if c.Notifications.Workers == 0 {
		c.Notifications.Workers = 4
	}
	if c.Share.TTL == 0 {
		c.Share.TTL = 7 * 24 * time.Hour
	}
}

// TierNames lists configured tiers in name order.
func (c *Config) TierNames() []string {
	names := make([]string, 0, len(c.Policies.Tiers))
	for name := range c.Policies.Tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tier builds the named policy. Tiers without their own delay use the
// closure default.
func (c *Config) Tier(name string) (policy.Policy, error) {
	tier, ok := c.Policies.Tiers[name]
	if !ok {
		return policy.Policy{}, fmt.Errorf("policy tier %s not defined", name)
	}
	p := policy.Policy{
		Name:           name,
		MinApprovals:   tier.MinApprovals,
		AutoCloseDelay: tier.AutoCloseDelay,
	}
	for _, r := range tier.Require {
		p.RequiredEventTypes = append(p.RequiredEventTypes, domain.EventType(r))
	}
	for _, x := range tier.Exclude {
		p.ExcludedEventTypes = append(p.ExcludedEventTypes, domain.EventType(x))
	}
	if len(tier.Cures) > 0 {
		p.Cures = make(map[domain.EventType]domain.EventType, len(tier.Cures))
		for ex, cure := range tier.Cures {
			p.Cures[domain.EventType(ex)] = domain.EventType(cure)
		}
	}
	if p.AutoCloseDelay == 0 {
		p.AutoCloseDelay = c.Closure.DefaultDelay
	}
	return p, nil
}

// PolicyFor resolves the tier bound to a workspace, falling back to the
// default tier.
func (c *Config) PolicyFor(workspaceID string) policy.Policy {
	name := c.Policies.DefaultTier
	if bound, ok := c.Policies.Workspaces[workspaceID]; ok {
		name = bound
	}
	p, err := c.Tier(name)
	if err != nil {
		return policy.Default()
	}
	return p
}

// DraftOnJiraStatus reports whether a Jira status eagerly creates a draft
// packet.
func (c *Config) DraftOnJiraStatus(status string) bool {
	for _, s := range c.Drafts.OnJiraStatus {
		if strings.EqualFold(strings.TrimSpace(s), strings.TrimSpace(status)) {
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Path returns the config file path for a data directory.
func Path(dataDir string) string {
	if dataDir == "" {
		dataDir = "."
	}
	return filepath.Join(dataDir, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(dataDir string) (*Config, error) {
	data, err := os.ReadFile(Path(dataDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	cfg.applyDefaults()
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `closure:
  default_delay: 24h
  poll_interval: 5s
  workers: 4
  fire_timeout: 30s

policies:
  default_tier: standard
  tiers:
    standard:
      require: [pr_merged, pr_approved, ci_passed]
      exclude: [ci_failed]
      cures: {ci_failed: ci_passed}
      min_approvals: 1

    strict:
      require: [handshake_accepted, pr_merged, pr_approved, ci_passed]
      exclude: [ci_failed, handshake_rejected]
      cures: {ci_failed: ci_passed, handshake_rejected: handshake_accepted}
      min_approvals: 2
      auto_close_delay: 48h

    lite:
      require: [pr_merged]
      exclude: [ci_failed]
      cures: {ci_failed: ci_passed}
      min_approvals: 0
      auto_close_delay: 4h

  workspaces: {}

drafts:
  on_jira_status: [In Review]

jira:
  done_status: Done

notifications:
  max_attempts: 5
  base_backoff: 2s
  max_backoff: 5m
  poll_interval: 2s
  workers: 4
  webhooks: []

share:
  ttl: 168h
`
