package transition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicy_Allowed(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name  string
		state State
		want  []State
	}{
		{
			name:  "calibration queue",
			state: CalibrationQueue,
			want:  []State{None, CalibrationQueue, TestQueue},
		},
		{
			name:  "test queue",
			state: TestQueue,
			want:  []State{None, CalibrationQueue, ProductionQueue, TestQueue},
		},
		{
			name:  "production queue",
			state: ProductionQueue,
			want:  []State{None, ProductionQueue, ShippingQueue},
		},
		{
			name:  "unknown state fails open",
			state: State("Archived"),
			want:  p.States(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Allowed(tt.state))
		})
	}
}

func TestPolicy_IsValidTotal(t *testing.T) {
	p := DefaultPolicy()
	states := append(p.States(), State("Archived"), State(""))

	for _, from := range states {
		for _, to := range states {
			got := p.IsValid(from, to)
			want := false
			for _, allowed := range p.Allowed(from) {
				if allowed == to {
					want = true
				}
			}
			assert.Equalf(t, want, got, "IsValid(%q, %q)", from, to)
		}
	}
}

func TestPolicy_IsValid(t *testing.T) {
	p := DefaultPolicy()

	assert.True(t, p.IsValid(CalibrationQueue, TestQueue))
	assert.True(t, p.IsValid(TestQueue, CalibrationQueue))
	assert.False(t, p.IsValid(CalibrationQueue, ShippingQueue))
	assert.False(t, p.IsValid(TestQueue, State("Undefined Status")))
	assert.False(t, p.IsValid(State("Archived"), State("Undefined Status")))
	assert.True(t, p.IsValid(State("Archived"), TestQueue))
}

func TestPolicy_BulkOptions(t *testing.T) {
	p := DefaultPolicy()

	t.Run("queue intersection is only none", func(t *testing.T) {
		opts, ok, reason := p.BulkOptions([]State{ProductionQueue, TestQueue, CalibrationQueue})
		require.True(t, ok)
		assert.Empty(t, reason)
		assert.Equal(t, []State{None}, opts)
	})

	t.Run("duplicate states do not shrink intersection", func(t *testing.T) {
		opts, ok, _ := p.BulkOptions([]State{TestQueue, TestQueue, CalibrationQueue})
		require.True(t, ok)
		assert.Equal(t, []State{None, CalibrationQueue, TestQueue}, opts)
	})

	t.Run("empty intersection disables bulk action", func(t *testing.T) {
		strict := NewPolicy(map[State][]State{
			"A": {"B"},
			"C": {"D"},
		})
		opts, ok, reason := strict.BulkOptions([]State{"A", "C"})
		assert.False(t, ok)
		assert.Nil(t, opts)
		assert.Contains(t, reason, "A, C")
	})

	t.Run("empty selection", func(t *testing.T) {
		_, ok, reason := p.BulkOptions(nil)
		assert.False(t, ok)
		assert.Equal(t, "no rows selected", reason)
	})
}

func TestParseRules(t *testing.T) {
	rules := ParseRules(map[string][]string{
		"":       {"Open"},
		" Open ": {"none", "Closed"},
	})

	p := NewPolicy(rules)
	assert.True(t, p.IsValid(None, "Open"))
	assert.True(t, p.IsValid("Open", None))
	assert.True(t, p.IsValid("Open", "Closed"))
	assert.False(t, p.IsValid("Closed", "Open"))
	assert.True(t, p.Known("Closed"))
}
