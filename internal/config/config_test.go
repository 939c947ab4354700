package config_test

import (
	"strings"
	"testing"

	"veriflow/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default(4)
	if cfg.Cycle.ID != 4 {
		t.Fatalf("cycle id %d", cfg.Cycle.ID)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if _, ok := cfg.Phase("planning"); !ok {
		t.Fatalf("default workflow has no planning phase")
	}
	if _, ok := cfg.Phase("finalization"); !ok {
		t.Fatalf("default workflow has no finalization phase")
	}
	w, ok := cfg.PhaseWindow("evidence")
	if !ok || !w.BusinessHours {
		t.Fatalf("evidence window %+v", w)
	}
	if len(cfg.SLA.Escalation.Levels) != 4 {
		t.Fatalf("escalation levels %d", len(cfg.SLA.Escalation.Levels))
	}
}

func TestGenerateDefaultRoundTrip(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault(7)))
	if err != nil {
		t.Fatalf("generated yaml does not parse: %v", err)
	}
	if cfg.Cycle.ID != 7 {
		t.Fatalf("cycle id %d", cfg.Cycle.ID)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			"no phases",
			`cycle: {id: 1}`,
			"workflow.phases is required",
		},
		{
			"duplicate phase",
			`workflow:
  phases:
    - {name: planning, order: 1}
    - {name: planning, order: 2}`,
			"duplicate phase",
		},
		{
			"duplicate order",
			`workflow:
  phases:
    - {name: planning, order: 1}
    - {name: scoping, order: 1}`,
			"duplicate phase order",
		},
		{
			"versioned without item kind",
			`workflow:
  phases:
    - {name: planning, order: 1, versioned: true}`,
			"no item_kind",
		},
		{
			"unknown dependency",
			`workflow:
  phases:
    - name: planning
      order: 1
      activities:
        - {name: a, order: 1, depends_on: [ghost]}`,
			"unknown activity",
		},
		{
			"dependency cycle",
			`workflow:
  phases:
    - name: planning
      order: 1
      activities:
        - {name: a, order: 1, depends_on: [b]}
        - {name: b, order: 2, depends_on: [a]}`,
			"dependency cycle",
		},
		{
			"sla references unknown phase",
			`workflow:
  phases:
    - {name: planning, order: 1}
sla:
  phases:
    ghost: {hours: 10}`,
			"unknown phase",
		},
		{
			"non-contiguous escalation",
			`workflow:
  phases:
    - {name: planning, order: 1}
sla:
  escalation:
    levels:
      - {level: 1, notify_role: tester_lead}
      - {level: 3, notify_role: report_owner}`,
			"contiguous",
		},
		{
			"roles without owner",
			`workflow:
  phases:
    - {name: planning, order: 1}
authz:
  roles:
    tester:
      permissions: [phase.init]`,
			"must include owner",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(tc.yaml))
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}
