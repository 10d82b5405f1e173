package event_test

import (
	"testing"

	"github.com/randalmurphal/conduit/pkg/conduit/event"
)

func TestPatternMatches(t *testing.T) {
	tests := []struct {
		pattern   string
		eventType string
		want      bool
	}{
		{"mlm.ModelDeployed", "mlm.ModelDeployed", true},
		{"mlm.ModelDeployed", "mlm.ModelDeployedV2", false},
		{"mlm.*", "mlm.ModelDeployed", true},
		{"mlm.*", "mlmx.ModelDeployed", false},
		{"mlm.*", "billing.UsageRecordOpened", false},
		{"*", "anything.at.all", true},
	}
	for _, tt := range tests {
		p := event.MustParsePattern(tt.pattern)
		if got := p.Matches(tt.eventType); got != tt.want {
			t.Errorf("%s.Matches(%s) = %v, want %v", tt.pattern, tt.eventType, got, tt.want)
		}
	}
}

func TestParsePatternInvalid(t *testing.T) {
	for _, s := range []string{"", "mlm*", "*.Deployed", "mlm.*.x", ".*"} {
		if _, err := event.ParsePattern(s); err == nil {
			t.Errorf("ParsePattern(%q) should fail", s)
		}
	}
}

func TestPatternSpecificity(t *testing.T) {
	exact := event.MustParsePattern("mlm.ModelDeployed")
	prefix := event.MustParsePattern("mlm.*")
	all := event.MustParsePattern("*")
	sameLiteral := event.MustParsePattern("mlm.")

	if !(exact.Specificity() > prefix.Specificity() && prefix.Specificity() > all.Specificity()) {
		t.Errorf("unexpected ordering: exact=%d prefix=%d all=%d", exact.Specificity(), prefix.Specificity(), all.Specificity())
	}
	if sameLiteral.Specificity() <= prefix.Specificity() {
		t.Errorf("exact pattern must beat wildcard with the same literal prefix")
	}
}
