package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// newImage creates a patterned image of n blocks in a temp dir.
func newImage(t *testing.T, n, blockSize int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	mkimgBlocks, mkimgBlockSize = n, blockSize
	_, err := captureOutput(t, func() error { return runMkimg([]string{path}) })
	require.NoError(t, err)
	return path
}

// captureOutput captures stdout while running a function
func captureOutput(t *testing.T, fn func() error) (string, error) {
	t.Helper()

	origStdout := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	fnErr := fn()

	w.Close()
	os.Stdout = origStdout

	var buf bytes.Buffer
	_, err = buf.ReadFrom(r)
	require.NoError(t, err)
	return buf.String(), fnErr
}

// decodeJSON unmarshals captured output into v.
func decodeJSON(t *testing.T, output string, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(output), v), "output: %s", output)
}

// resetFlags restores global flags after a test changes them.
func resetFlags(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		verbose, quiet, jsonOut = false, false, false
		checkSeed, checkVerifyOnly, checkVMPages = 0, false, 0
		checkBlockSize, checkBuffers, checkWorkers = 4096, 64, 4
		benchOps, benchClients, benchWritePct = 10000, 4, 20
		benchBuffers, benchBlockSize, benchVMPages = 0, 4096, 0
		handoffState, handoffWarm, handoffOut = "request-free", 32, ""
	})
}
