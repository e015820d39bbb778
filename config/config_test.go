package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eumaka/swf-testbed/agent"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	mp, err := cfg.MalformedPolicy()
	require.NoError(t, err)
	assert.Equal(t, agent.MalformedSkip, mp)

	rp, err := cfg.RunFailurePolicy()
	require.NoError(t, err)
	assert.Equal(t, agent.RunFailureBlock, rp)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swf.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"registry": {"url": "http://monitor:8002", "token": "file-token"},
		"agent": {"malformed_policy": "fail-fast", "heartbeat_seconds": 10},
		"simulator": {"physics_dwell": 20}
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://monitor:8002", cfg.Registry.URL)
	assert.Equal(t, "file-token", cfg.Registry.Token)
	assert.Equal(t, 20.0, cfg.Simulator.PhysicsDwell)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL, "untouched values keep defaults")

	mp, err := cfg.MalformedPolicy()
	require.NoError(t, err)
	assert.Equal(t, agent.MalformedFailFast, mp)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swf.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"registry": {"url": "http://from-file:8002"}
	}`), 0o644))

	t.Setenv("SWF_MONITOR_URL", "http://from-env:8002")
	t.Setenv("SWF_API_TOKEN", "env-token")
	t.Setenv("NATS_URL", "nats://bus:4222")
	t.Setenv("SWF_RUN_FAILURE_POLICY", "degrade")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://from-env:8002", cfg.Registry.URL)
	assert.Equal(t, "env-token", cfg.Registry.Token)
	assert.Equal(t, "nats://bus:4222", cfg.NATS.URL)

	rp, err := cfg.RunFailurePolicy()
	require.NoError(t, err)
	assert.Equal(t, agent.RunFailureDegrade, rp)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load("/nonexistent/swf.json")
	require.Error(t, err)
}

func TestLoadRejectsBadPolicy(t *testing.T) {
	t.Setenv("SWF_MALFORMED_POLICY", "shrug")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed_policy")
}

func TestValidateRejectsMissingSections(t *testing.T) {
	cfg := Default()
	cfg.Registry.URL = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Bus.Topic = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Simulator.StfInterval = 0
	assert.Error(t, cfg.Validate())
}

func TestDefaultDoneSubjectHasBackingStream(t *testing.T) {
	cfg := Default()
	require.NotEmpty(t, cfg.Bus.DoneSubject)
	assert.NotEmpty(t, cfg.Bus.DoneStream,
		"a forward subject without a stream leaves published work unanswerable")
}

func TestValidateRejectsDoneSubjectWithoutStream(t *testing.T) {
	cfg := Default()
	cfg.Bus.DoneStream = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "done_stream")

	// dropping the subject disables forwarding entirely, which is fine
	cfg.Bus.DoneSubject = ""
	assert.NoError(t, cfg.Validate())
}

func TestHeartbeatInterval(t *testing.T) {
	cfg := Default()
	cfg.Agent.HeartbeatSeconds = 5
	assert.Equal(t, "5s", cfg.HeartbeatInterval().String())

	cfg.Agent.HeartbeatSeconds = 0
	assert.Equal(t, "30s", cfg.HeartbeatInterval().String())
}
