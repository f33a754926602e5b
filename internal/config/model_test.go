package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validModule(name string) *ModuleDefinition {
	return &ModuleDefinition{
		Name:       name,
		Kind:       KindManaged,
		IP:         DefaultIP,
		Port:       8080,
		RetryAfter: DefaultRetryAfter,
		MaxRetries: DefaultMaxRetries,
	}
}

func TestValidate_OK(t *testing.T) {
	m := &Model{ModulesRoot: "../modules", Modules: []*ModuleDefinition{validModule("dp-a"), validModule("dp-b")}}
	require.NoError(t, m.Validate())

	d, ok := m.Module("dp-b")
	require.True(t, ok)
	assert.Equal(t, "dp-b", d.Name)
	_, ok = m.Module("dp-c")
	assert.False(t, ok)
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	bad := validModule("dp|bad")
	bad.Port = 70000
	bad.MaxRetries = 0
	bad.RetryAfter = -1

	exe := validModule("dp-a")
	exe.Kind = KindExecutable
	exe.PCOMMs = []string{"OK", "NO|PE"}

	m := &Model{
		Modules:       []*ModuleDefinition{validModule("dp-a"), exe, bad},
		LogCollector:  &LogCollector{},
		DashboardFeed: &DashboardFeed{},
	}
	err := m.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)

	for _, want := range []string{
		"module 'dp|bad': name must not contain '|'",
		"module 'dp-a': declared more than once",
		"port 70000 out of range",
		"max_retries must be at least 1",
		"retry_connection_after_s must not be negative",
		"command 'NO|PE' must not contain '|'",
		"managed modules require modules_root",
		"log_collector: command must not be empty",
		"dashboard_feed: url must not be empty",
	} {
		assert.Contains(t, err.Error(), want)
	}
}
