package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/taoyao-code/idro-ble/internal/protocol/idro"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCodes(t *testing.T) {
	out, err := run(t, "codes")
	require.NoError(t, err)
	assert.Contains(t, out, "CODE")
	assert.Contains(t, out, "90000ms")

	out, err = run(t, "codes", "-o", "json")
	require.NoError(t, err)
	var rows []codeRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 26)
	assert.Equal(t, "A", rows[0].Code)
	assert.Equal(t, "5A", rows[25].Hex)
}

func TestBuild(t *testing.T) {
	out, err := run(t, "build", "--code", "d", "--gateway", "0A0B0C0D")
	require.NoError(t, err)
	assert.Equal(t, "440A0B0C0D000000000000000000\n", out)

	out, err = run(t, "build", "--code", "W", "--gateway", "0a0b0c0d", "--target", "010203040506070809", "--args", "FF", "-o", "yaml")
	require.NoError(t, err)
	var b builtCommand
	require.NoError(t, yaml.Unmarshal([]byte(out), &b))
	assert.Equal(t, "W", b.Code)
	assert.Equal(t, "570a0b0c0d010203040506070809FF", b.Hex)
	assert.Equal(t, 15, b.Length)
}

func TestBuild_Errors(t *testing.T) {
	_, err := run(t, "build", "--code", "?", "--gateway", "0A0B0C0D")
	assert.ErrorIs(t, err, idro.ErrUndefinedCode)

	_, err = run(t, "build", "--code", "A", "--gateway", "0A0B")
	assert.ErrorIs(t, err, idro.ErrFieldLength)

	_, err = run(t, "build", "--code", "A")
	assert.ErrorContains(t, err, "gateway")
}

func TestDecode_Sensors(t *testing.T) {
	frame, err := idro.BuildSensorFrame(idro.CodeC, "0A0B0C0D", [4]int{512, 100, 1023, 0})
	require.NoError(t, err)

	out, err := run(t, "decode", "--code", "C", idro.Frame(frame).Hex(), "-o", "json")
	require.NoError(t, err)
	var s idro.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &s))
	assert.Equal(t, []int{512, 100, 1023, 0}, s.Sensors)
	assert.True(t, s.Success)

	out, err = run(t, "decode", "--code", "C", idro.Frame(frame).Hex())
	require.NoError(t, err)
	assert.Contains(t, out, "[512 100 1023 0]")
}

func TestDecode_NackCatalog(t *testing.T) {
	frame, err := idro.BuildCommandAck(idro.CodeA, "0A0B0C0D", 0x33)
	require.NoError(t, err)
	hexFrame := idro.Frame(frame).Hex()

	out, err := run(t, "decode", hexFrame, "-o", "json")
	require.NoError(t, err)
	var s idro.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &s))
	assert.False(t, s.Success)
	assert.Equal(t, 33, s.ErrorCode)
	assert.Equal(t, "Il Gateway è impegnato nella routine GSM", s.Message)

	path := filepath.Join(t.TempDir(), "nack.yaml")
	require.NoError(t, os.WriteFile(path, []byte("messages:\n  \"33\": \"GSM busy\"\n"), 0o644))
	out, err = run(t, "decode", hexFrame, "--nack-catalog", path)
	require.NoError(t, err)
	assert.Contains(t, out, "error 33: GSM busy")
}

func TestDecode_Errors(t *testing.T) {
	_, err := run(t, "decode", "XYZ")
	assert.ErrorIs(t, err, idro.ErrInvalidHex)

	_, err = run(t, "decode")
	assert.Error(t, err)

	_, err = run(t, "codes", "-o", "xml")
	assert.ErrorContains(t, err, "unknown output format")
}
