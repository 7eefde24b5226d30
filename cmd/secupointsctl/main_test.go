package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rulesPath = "../../configs/rules.yaml"

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--rules", rulesPath}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestCommandPresence(t *testing.T) {
	cmd := newRootCommand()
	for _, name := range []string{"validate", "rules", "eval", "process", "level"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestValidate(t *testing.T) {
	out, err := run(t, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "valid (version 2.1")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("version: \"2.1\"\nsurprise: 1\n"), 0o600))
	cmd := newRootCommand()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"--rules", bad, "--format", "json", "validate"})
	err = cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, exitFailure, exitCode(err))

	var report validateReport
	require.NoError(t, json.Unmarshal(buf.Bytes(), &report))
	assert.False(t, report.Valid)
	assert.NotEmpty(t, report.Errors)
}

func TestRulesListing(t *testing.T) {
	out, err := run(t, "rules", "--event", "alert_reopened")
	require.NoError(t, err)
	assert.Contains(t, out, "PEN-001")
	assert.NotContains(t, out, "PTS-001")
	assert.True(t, strings.HasPrefix(out, "ID"))
}

func TestEval(t *testing.T) {
	out, err := run(t, "eval", "Alert.severity IN ['CRITICAL', 'HIGH']", "--data", `{"Alert":{"severity":"HIGH"}}`)
	require.NoError(t, err)
	assert.Equal(t, "true\n", out)

	_, err = run(t, "eval", "Alert.severity ==")
	require.Error(t, err)
	assert.Equal(t, exitCommandError, exitCode(err))
}

func TestProcessAccumulatesState(t *testing.T) {
	state := filepath.Join(t.TempDir(), "state.json")
	data := `{"Alert":{"alert_id":"A-1","severity":"HIGH","asset_type":"web","first_seen":"2026-03-01T00:00:00Z"},` +
		`"Remediation":{"remediation_id":"R-1","user_id":"dave","action_ts":"2026-03-05T00:00:00Z"},` +
		`"RescanResult":{"rescan_id":"S-1","result":"CLEAN"}}`

	out, err := run(t, "process", "remediation_verified", "--data", data, "--state", state)
	require.NoError(t, err)
	assert.Contains(t, out, "+50 dave (PTS-002) total 50")

	out, err = run(t, "--format", "json", "process", "remediation_verified", "--data", data, "--state", state)
	require.NoError(t, err)
	var res struct {
		PointsAwarded []struct {
			Total int64 `json:"total"`
		} `json:"points_awarded"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Len(t, res.PointsAwarded, 1)
	assert.Equal(t, int64(100), res.PointsAwarded[0].Total)
}

func TestLevel(t *testing.T) {
	out, err := run(t, "level", "600")
	require.NoError(t, err)
	assert.Contains(t, out, "level 2 Code Watcher")
	assert.Contains(t, out, "900 to level 3")

	_, err = run(t, "level", "lots")
	assert.Equal(t, exitCommandError, exitCode(err))
}
