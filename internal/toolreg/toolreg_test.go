package toolreg_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/turnloop/turnloop/internal/config"
	"github.com/turnloop/turnloop/internal/toolreg"
)

const doc = `
domains:
  - id: dom1
    name: Demo
    workflow: supervisor
agents:
  - id: agent1
    domain_id: dom1
    name: Agent One
    state: PRODUCTION
    system_prompt: hi
    model_id: m1
    tools: [weather]
tools:
  - id: weather
    name: get_weather
    description: look up weather
    requires_approval: false
    allowed_roles: [user]
    handler_ref: weather_handler
    parameter_schema:
      type: object
      properties:
        city: {type: string}
      required: [city]
`

func newRegistry(t *testing.T) *config.Registry {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	cfg := config.New(nil)
	require.NoError(t, cfg.Load(path))
	return cfg
}

func TestValidateRejectsMissingRequiredField(t *testing.T) {
	cfg := newRegistry(t)
	reg := toolreg.New(cfg, nil)
	require.NoError(t, reg.RegisterHandler("weather", func(ctx context.Context, args string) (string, error) {
		return `{"temp_f":72}`, nil
	}))

	err := reg.Validate("weather", `{}`)
	require.Error(t, err)

	err = reg.Validate("weather", `{"city":"Seattle"}`)
	require.NoError(t, err)
}

func TestExecuteDeniesDisallowedRole(t *testing.T) {
	cfg := newRegistry(t)
	reg := toolreg.New(cfg, nil)
	require.NoError(t, reg.RegisterHandler("weather", func(ctx context.Context, args string) (string, error) {
		return `{"temp_f":72}`, nil
	}))

	_, err := reg.Execute(context.Background(), "weather", "admin", `{"city":"Seattle"}`)
	require.ErrorIs(t, err, toolreg.ErrRoleDenied)

	out, err := reg.Execute(context.Background(), "weather", "user", `{"city":"Seattle"}`)
	require.NoError(t, err)
	require.JSONEq(t, `{"temp_f":72}`, out)
}
