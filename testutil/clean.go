package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// ResetDir empties a testdata directory before a test opens a store in it, keeping only
// the entries named in keeps; the directory is created if it is missing.
func ResetDir(t testing.TB, dirname string, keeps ...string) {
	t.Helper()

	err := os.MkdirAll(dirname, 0755)
	if err != nil {
		t.Fatalf("ResetDir(%s) failed with %s", dirname, err)
	}
	entries, err := os.ReadDir(dirname)
	if err != nil {
		t.Fatalf("ResetDir(%s) failed with %s", dirname, err)
	}

next:
	for _, de := range entries {
		for _, keep := range keeps {
			if de.Name() == keep {
				continue next
			}
		}
		err = os.RemoveAll(filepath.Join(dirname, de.Name()))
		if err != nil {
			t.Fatalf("ResetDir(%s) failed with %s", dirname, err)
		}
	}
}
