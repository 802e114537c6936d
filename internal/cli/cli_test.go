package cli

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrcode/glucose-scraper/internal/insulin"
)

func executeCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	cmd := newRootCmd(defaultFactory)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeConfig(t *testing.T, shareURL string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "glucose-scraper.yaml")
	yamlData := fmt.Sprintf(`
share:
  account: alice
  password: secret
  base_url: %s
database:
  path: %s
logging:
  level: error
`, shareURL, filepath.Join(dir, "glucose.duckdb"))
	require.NoError(t, os.WriteFile(path, []byte(yamlData), 0o600))
	return path
}

func newShareServer(t *testing.T, values ...int) *httptest.Server {
	t.Helper()
	next := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/General/LoginPublisherAccountByName") {
			_, _ = io.WriteString(w, `"session-token"`)
			return
		}
		v := values[next%len(values)]
		ms := time.Now().Add(-time.Duration(len(values)-next) * 5 * time.Minute).UnixMilli()
		next++
		_, _ = fmt.Fprintf(w, `[{"ST":"/Date(%d)/","Trend":"Flat","Value":%d}]`, ms, v)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestVersion(t *testing.T) {
	stdout, _, err := executeCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", stdout)
}

func TestReportPrintsLine(t *testing.T) {
	srv := newShareServer(t, 127)
	cfgPath := writeConfig(t, srv.URL)

	stdout, _, err := executeCLI(t, "--config", cfgPath, "report")
	require.NoError(t, err)

	fields := strings.Split(strings.TrimSpace(stdout), ",")
	require.Len(t, fields, 4+insulin.HorizonCount)
	assert.Equal(t, "127", fields[0])
	assert.Equal(t, "4", fields[1])
}

func TestRecentAfterReports(t *testing.T) {
	srv := newShareServer(t, 110, 120, 130)
	cfgPath := writeConfig(t, srv.URL)

	for i := 0; i < 3; i++ {
		_, _, err := executeCLI(t, "--config", cfgPath, "report")
		require.NoError(t, err)
	}

	stdout, _, err := executeCLI(t, "--config", cfgPath, "recent", "-n", "2")
	require.NoError(t, err)
	assert.Equal(t, "130\n120\n", stdout)
}

func TestRecentRejectsNonPositiveCount(t *testing.T) {
	_, _, err := executeCLI(t, "recent", "-n", "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "-n must be positive")
}

func TestIOBWithoutDoses(t *testing.T) {
	srv := newShareServer(t, 100)
	cfgPath := writeConfig(t, srv.URL)

	stdout, _, err := executeCLI(t, "--config", cfgPath, "iob")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(stdout), ","), insulin.HorizonCount)
}

func TestMissingConfigFile(t *testing.T) {
	_, _, err := executeCLI(t, "--config", filepath.Join(t.TempDir(), "absent.yaml"), "report")
	require.Error(t, err)
}

func TestTestAlertDisabled(t *testing.T) {
	srv := newShareServer(t, 100)
	cfgPath := writeConfig(t, srv.URL)

	_, _, err := executeCLI(t, "--config", cfgPath, "test-alert")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "alerts are disabled")
}

func TestAutostartStatus(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("unit file location checked on linux only")
	}
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	stdout, _, err := executeCLI(t, "autostart", "status")
	require.NoError(t, err)
	assert.Equal(t, "disabled\n", stdout)
}
