package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models fieldline.yml. A copy is stored per project in the DB.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"project"`
	Tasks struct {
		Statuses   []string     `yaml:"statuses"`
		Priorities []string     `yaml:"priorities"`
		Defaults   TaskDefaults `yaml:"defaults"`
	} `yaml:"tasks"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// TaskDefaults are applied to generated tasks.
type TaskDefaults struct {
	Status              string `yaml:"status"`
	Priority            string `yaml:"priority"`
	DurationHours       int    `yaml:"duration_hours"`
	DescriptionTemplate string `yaml:"description_template"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Describe renders the generated-task description from the template,
// substituting {system}, {category} and {subcategory}.
func (d TaskDefaults) Describe(system, category, subcategory string) string {
	r := strings.NewReplacer(
		"{system}", system,
		"{category}", category,
		"{subcategory}", subcategory,
	)
	return r.Replace(d.DescriptionTemplate)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with fl project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if len(c.Tasks.Statuses) == 0 {
		return fmt.Errorf("config.tasks.statuses is required")
	}
	if len(c.Tasks.Priorities) == 0 {
		return fmt.Errorf("config.tasks.priorities is required")
	}
	if c.Tasks.Defaults.Status == "" {
		return fmt.Errorf("config.tasks.defaults.status is required")
	}
	if !contains(c.Tasks.Statuses, c.Tasks.Defaults.Status) {
		return fmt.Errorf("default status %s not in statuses", c.Tasks.Defaults.Status)
	}
	if c.Tasks.Defaults.Priority != "" && !contains(c.Tasks.Priorities, c.Tasks.Defaults.Priority) {
		return fmt.Errorf("default priority %s not in priorities", c.Tasks.Defaults.Priority)
	}
	if c.Tasks.Defaults.DurationHours <= 0 {
		return fmt.Errorf("config.tasks.defaults.duration_hours must be positive")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "fieldline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	cfg.Project.ID = projectID
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

const defaultTemplate = `project:
  id: %s

tasks:
  statuses: [pending, in_progress, completed, canceled]
  priorities: [pending, low, medium, high, critical]

  defaults:
    status: pending
    priority: pending
    duration_hours: 4
    description_template: "Perform {subcategory} {category} tests on the {system} system"
`
