package event

import (
	"testing"

	"github.com/cuemby/tango/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBuildConstraint tests the filter produced for one event
func TestBuildConstraint(t *testing.T) {
	assert.Equal(t, "$domain_name == 'test/evt/1/value' and $event_name == 'change'",
		BuildConstraint("Test/Evt/1/Value", "change", nil))
	assert.Equal(t,
		"$domain_name == 'test/evt/1/value' and $event_name == 'change' and (($delta_change_abs > 1 and $quality == 1) or $forced_event > 0.5)",
		BuildConstraint("test/evt/1/value", "change", []string{"$delta_change_abs > 1", " ", "$quality == 1"}))
}

// TestConstraintMatch tests evaluating compiled filters
func TestConstraintMatch(t *testing.T) {
	vars := map[string]any{
		"domain_name":      "test/evt/1/value",
		"event_name":       "change",
		"delta_change_abs": 2.0,
		"forced_event":     0.0,
		"counter":          3,
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{name: "string equality", expr: "$domain_name == 'test/evt/1/value'", want: true},
		{name: "double quotes", expr: `$event_name == "change"`, want: true},
		{name: "string inequality", expr: "$event_name != 'change'", want: false},
		{name: "greater", expr: "$delta_change_abs > 1.5", want: true},
		{name: "greater or equal", expr: "$delta_change_abs >= 2", want: true},
		{name: "less", expr: "$delta_change_abs < 2", want: false},
		{name: "less or equal", expr: "$delta_change_abs <= 2", want: true},
		{name: "negative number", expr: "$delta_change_abs > -1e1", want: true},
		{name: "int variable", expr: "$counter == 3", want: true},
		{name: "and", expr: "$counter == 3 and $forced_event > 0.5", want: false},
		{name: "or", expr: "$counter == 4 or $delta_change_abs > 1", want: true},
		{name: "not", expr: "not $forced_event > 0.5", want: true},
		{name: "upper case keywords", expr: "$counter == 3 AND NOT $forced_event > 0.5", want: true},
		{name: "precedence", expr: "$counter == 4 and $counter == 4 or $counter == 3", want: true},
		{name: "parentheses", expr: "($counter == 4 or $counter == 3) and $event_name == 'change'", want: true},
		{name: "unknown variable", expr: "$missing > 0", want: false},
		{name: "unknown variable negated", expr: "not $missing > 0", want: true},
		{name: "type mismatch", expr: "$event_name > 1", want: false},
		{name: "bare variable", expr: "$delta_change_abs", want: true},
		{name: "literal", expr: "true", want: true},
		{name: "full constraint", expr: BuildConstraint("test/evt/1/value", "change", []string{"$delta_change_abs > 5"}), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ParseConstraint(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Match(vars))
			assert.Equal(t, tt.expr, c.String())
		})
	}
}

// TestForcedEventBypassesFilter tests that forced events pass client filters
func TestForcedEventBypassesFilter(t *testing.T) {
	c, err := ParseConstraint(BuildConstraint("a/b/c/x", "change", []string{"$delta_change_abs > 5"}))
	require.NoError(t, err)

	msg := &Message{Domain: "a/b/c/x", Event: "change", Filterable: map[string]float64{
		"delta_change_abs": 1, "forced_event": 1,
	}}
	assert.True(t, c.Match(msg.Vars()))

	msg.Filterable["forced_event"] = 0
	assert.False(t, c.Match(msg.Vars()))

	msg.Domain = "a/b/c/y"
	msg.Filterable["forced_event"] = 1
	assert.False(t, c.Match(msg.Vars()))
}

// TestParseConstraintErrors tests rejected filters
func TestParseConstraintErrors(t *testing.T) {
	for _, expr := range []string{
		"$a = 1",
		"$a == 'open",
		"($a == 1",
		"$a == 1)",
		"$ == 1",
		"$a == 1 and",
		"$a # 1",
		"",
	} {
		_, err := ParseConstraint(expr)
		require.Error(t, err, expr)
		assert.Equal(t, types.ReasonInvalidArgs, types.ReasonOf(err), expr)
	}
}
