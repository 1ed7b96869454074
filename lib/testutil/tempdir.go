// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"os"
	"testing"
)

// DBDir creates a temporary directory for SQLite database files.
//
// The directory is created directly in /tmp with a short name rather
// than under t.TempDir(): build systems set TEST_TMPDIR to deeply
// nested paths, and keeping database paths short keeps WAL sidecar
// file names readable in failure output.
//
// The directory is automatically removed when the test completes.
func DBDir(t *testing.T) string {
	t.Helper()
	directory, err := os.MkdirTemp("/tmp", "roomserver-test-*")
	if err != nil {
		t.Fatalf("creating database directory: %v", err)
	}
	t.Cleanup(func() {
		_ = os.RemoveAll(directory)
	})
	return directory
}
