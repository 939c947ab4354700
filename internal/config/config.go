package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models veriflow.yml: the workflow template catalog, SLA policy,
// authorization roles, and notification webhooks for one test cycle.
type Config struct {
	Cycle struct {
		ID   int64  `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"cycle"`
	Workflow struct {
		Phases []PhaseTemplate `yaml:"phases"`
	} `yaml:"workflow"`
	SLA      SLAConfig       `yaml:"sla"`
	Authz    AuthzConfig     `yaml:"authz"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type PhaseTemplate struct {
	Name       string             `yaml:"name"`
	Order      int                `yaml:"order"`
	Versioned  bool               `yaml:"versioned"`
	ItemKind   string             `yaml:"item_kind"`
	Activities []ActivityTemplate `yaml:"activities"`
}

type ActivityTemplate struct {
	Name                   string   `yaml:"name"`
	Order                  int      `yaml:"order"`
	Optional               bool     `yaml:"optional"`
	Manual                 bool     `yaml:"manual"`
	DependsOn              []string `yaml:"depends_on"`
	SkipIfSourceConfigured bool     `yaml:"skip_if_source_configured"`
}

type SLAConfig struct {
	Phases     map[string]SLAWindow `yaml:"phases"`
	Activities map[string]SLAWindow `yaml:"activities"`
	Escalation EscalationConfig     `yaml:"escalation"`
}

type SLAWindow struct {
	Hours         int  `yaml:"hours"`
	WarningHours  int  `yaml:"warning_hours"`
	BusinessHours bool `yaml:"business_hours"`
}

type EscalationConfig struct {
	AutoEscalateOnBreach bool              `yaml:"auto_escalate_on_breach"`
	IntervalHours        int               `yaml:"interval_hours"`
	Levels               []EscalationLevel `yaml:"levels"`
}

type EscalationLevel struct {
	Level      int    `yaml:"level"`
	NotifyRole string `yaml:"notify_role"`
}

type AuthzConfig struct {
	Roles map[string]Role `yaml:"roles"`
}

type Role struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with vf cycle config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the template catalog is usable: unique ordered phases,
// known dependency names, and an acyclic dependency graph per phase.
func (c *Config) Validate() error {
	if len(c.Workflow.Phases) == 0 {
		return fmt.Errorf("config.workflow.phases is required")
	}
	seenPhase := map[string]bool{}
	seenOrder := map[int]bool{}
	for _, p := range c.Workflow.Phases {
		if p.Name == "" {
			return fmt.Errorf("phase with empty name")
		}
		if seenPhase[p.Name] {
			return fmt.Errorf("duplicate phase %s", p.Name)
		}
		seenPhase[p.Name] = true
		if p.Order <= 0 {
			return fmt.Errorf("phase %s has invalid order %d", p.Name, p.Order)
		}
		if seenOrder[p.Order] {
			return fmt.Errorf("duplicate phase order %d", p.Order)
		}
		seenOrder[p.Order] = true
		if p.Versioned && p.ItemKind == "" {
			return fmt.Errorf("phase %s is versioned but has no item_kind", p.Name)
		}
		byName := map[string]ActivityTemplate{}
		for _, a := range p.Activities {
			if a.Name == "" {
				return fmt.Errorf("phase %s has activity with empty name", p.Name)
			}
			if _, ok := byName[a.Name]; ok {
				return fmt.Errorf("phase %s has duplicate activity %s", p.Name, a.Name)
			}
			byName[a.Name] = a
		}
		for _, a := range p.Activities {
			for _, dep := range a.DependsOn {
				if _, ok := byName[dep]; !ok {
					return fmt.Errorf("phase %s activity %s depends on unknown activity %s", p.Name, a.Name, dep)
				}
			}
		}
		if err := ensureAcyclic(p.Name, byName); err != nil {
			return err
		}
	}
	for name := range c.SLA.Phases {
		if !seenPhase[name] {
			return fmt.Errorf("sla.phases references unknown phase %s", name)
		}
	}
	levels := c.SLA.Escalation.Levels
	for i, lvl := range levels {
		if lvl.Level != i+1 {
			return fmt.Errorf("escalation levels must be contiguous from 1; got %d at position %d", lvl.Level, i)
		}
		if lvl.NotifyRole == "" {
			return fmt.Errorf("escalation level %d has no notify_role", lvl.Level)
		}
	}
	if len(c.Authz.Roles) > 0 {
		if _, ok := c.Authz.Roles["owner"]; !ok {
			return fmt.Errorf("config.authz.roles must include owner")
		}
		for roleID, role := range c.Authz.Roles {
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	return nil
}

// ensureAcyclic runs a three-color DFS over one phase's activity dependency
// graph.
func ensureAcyclic(phase string, byName map[string]ActivityTemplate) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case gray:
			return fmt.Errorf("phase %s activity dependency cycle through %s", phase, name)
		case black:
			return nil
		}
		color[name] = gray
		for _, dep := range byName[name].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[name] = black
		return nil
	}
	for name := range byName {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

// Phase returns the template for a phase name.
func (c *Config) Phase(name string) (PhaseTemplate, bool) {
	for _, p := range c.Workflow.Phases {
		if p.Name == name {
			return p, true
		}
	}
	return PhaseTemplate{}, false
}

// PhaseWindow returns the SLA window configured for a phase, if any.
func (c *Config) PhaseWindow(name string) (SLAWindow, bool) {
	w, ok := c.SLA.Phases[name]
	return w, ok
}

// ActivityWindow returns the SLA window configured for an activity name.
func (c *Config) ActivityWindow(name string) (SLAWindow, bool) {
	w, ok := c.SLA.Activities[name]
	return w, ok
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "veriflow.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(cycleID int64) string {
	return fmt.Sprintf(defaultTemplate, cycleID)
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

// Default returns the default Config struct for a cycle.
func Default(cycleID int64) *Config {
	var cfg Config
	cfg.Cycle.ID = cycleID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, cycleID))).Decode(&cfg)
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

const defaultTemplate = `cycle:
  id: %d

workflow:
  phases:
    - name: planning
      order: 1
      versioned: true
      item_kind: attribute
      activities:
        - name: define_attributes
          order: 1
        - name: review_attributes
          order: 2
          depends_on: [define_attributes]

    - name: profiling
      order: 2
      versioned: true
      item_kind: profiling_rule
      activities:
        - name: generate_rules
          order: 1
        - name: approve_rules
          order: 2
          depends_on: [generate_rules]

    - name: scoping
      order: 3
      versioned: true
      item_kind: scoping_decision
      activities:
        - name: recommend_scope
          order: 1
        - name: decide_scope
          order: 2
          depends_on: [recommend_scope]

    - name: sampling
      order: 4
      versioned: true
      item_kind: sample
      activities:
        - name: generate_samples
          order: 1
        - name: approve_samples
          order: 2
          depends_on: [generate_samples]

    - name: evidence
      order: 5
      versioned: true
      item_kind: evidence
      activities:
        - name: upload_files
          order: 1
          skip_if_source_configured: true
        - name: collect_evidence
          order: 2
        - name: verify_evidence
          order: 3
          depends_on: [collect_evidence]

    - name: execution
      order: 6
      versioned: true
      item_kind: test_result
      activities:
        - name: run_tests
          order: 1
        - name: record_results
          order: 2
          depends_on: [run_tests]

    - name: observation
      order: 7
      versioned: true
      item_kind: observation
      activities:
        - name: group_observations
          order: 1
        - name: rate_observations
          order: 2
          depends_on: [group_observations]

    - name: reporting
      order: 8
      versioned: true
      item_kind: report_section
      activities:
        - name: draft_sections
          order: 1
        - name: review_sections
          order: 2
          depends_on: [draft_sections]

    - name: finalization
      order: 9
      versioned: false
      activities:
        - name: sign_off
          order: 1
          manual: true
        - name: archive_artifacts
          order: 2
          optional: true
          depends_on: [sign_off]

sla:
  phases:
    planning:    {hours: 120, warning_hours: 24}
    profiling:   {hours: 72,  warning_hours: 12}
    scoping:     {hours: 72,  warning_hours: 12}
    sampling:    {hours: 48,  warning_hours: 8}
    evidence:    {hours: 168, warning_hours: 24, business_hours: true}
    execution:   {hours: 168, warning_hours: 24, business_hours: true}
    observation: {hours: 72,  warning_hours: 12}
    reporting:   {hours: 96,  warning_hours: 24}
  escalation:
    auto_escalate_on_breach: true
    interval_hours: 24
    levels:
      - {level: 1, notify_role: tester_lead}
      - {level: 2, notify_role: report_owner}
      - {level: 3, notify_role: compliance_manager}
      - {level: 4, notify_role: program_director}
`
