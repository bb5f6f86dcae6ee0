package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/soypat/meterbridge/digest"
	"github.com/soypat/meterbridge/sunspec"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestRegistersCommand(t *testing.T) {
	out, err := execute(t, "registers")
	require.NoError(t, err)
	require.Contains(t, out, "base 40000")
	// Header line plus one per field.
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2+1+sunspec.NumFields)
	require.Contains(t, out, "Current_AC_Sum")
	require.Contains(t, out, "Frequency_Phase_Average")
}

func TestDigestCommand(t *testing.T) {
	t.Setenv("METERBRIDGE_PASSWORD", "secret")
	out, err := execute(t, "digest", "--user", "u", "--method", "GET", "--uri", "/x",
		"--nonce", "n1", "--nc", "00000001", "--cnonce", "c1", "--check", "")
	require.NoError(t, err)
	header := strings.TrimSpace(out)
	require.Contains(t, header, `response="`+digest.Response("u", "secret", "GET", "/x", "n1", "00000001", "c1")+`"`)

	out, err = execute(t, "digest", "--method", "GET", "--check", header)
	require.NoError(t, err)
	require.Contains(t, out, `valid for user "u"`)

	_, err = execute(t, "digest", "--method", "PUT", "--check", header)
	require.Error(t, err)
}

func TestDigestPasswordFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pwd")
	require.NoError(t, os.WriteFile(path, []byte("secret\n"), 0o600))
	t.Setenv("METERBRIDGE_PASSWORD", "")
	out, err := execute(t, "digest", "--password-file", path, "--user", "u", "--uri", "/x",
		"--nonce", "n1", "--nc", "00000001", "--cnonce", "c1", "--method", "GET", "--check", "")
	require.NoError(t, err)
	require.Contains(t, out, digest.Response("u", "secret", "GET", "/x", "n1", "00000001", "c1"))

	_, err = execute(t, "digest", "--password-file", "")
	require.Error(t, err, "no password source")
}

func TestLoadConfigFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("modbus:\n  unit_id: 7\n"), 0o600))
	configPath, logLevel = path, "DEBUG"
	defer func() { configPath, logLevel = "", "" }()
	cfg, err := loadConfig()
	require.NoError(t, err)
	require.EqualValues(t, 7, cfg.Modbus.UnitID)
	require.Equal(t, "debug", cfg.Log.Level)

	logLevel = "loud"
	_, err = loadConfig()
	require.Error(t, err)
}
