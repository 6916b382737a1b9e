// Package workdir owns path joining, creation, and cleanup helpers for the
// process-wide scratch directory (spec §6): extracted SWU artifacts, the
// bundled live U-boot, OpenOCD configs, and split flash-image parts all live
// under one root. It never extracts archives itself (out of scope).
package workdir

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Ensure creates root (and any missing parents) if it does not already
// exist.
func Ensure(root string) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return errors.Wrapf(err, "workdir: ensure %s", root)
	}
	return nil
}

// Sub joins root with the given path elements and ensures the resulting
// directory exists.
func Sub(root string, elem ...string) (string, error) {
	p := filepath.Join(append([]string{root}, elem...)...)
	if err := Ensure(p); err != nil {
		return "", err
	}
	return p, nil
}

// Join joins root with the given path elements without creating anything,
// for naming a file that a caller is about to create or read.
func Join(root string, elem ...string) string {
	return filepath.Join(append([]string{root}, elem...)...)
}

// RemoveAll deletes root and everything under it.
func RemoveAll(root string) error {
	if err := os.RemoveAll(root); err != nil {
		return errors.Wrapf(err, "workdir: remove %s", root)
	}
	return nil
}
