// Package fsx holds the file primitives the ledger, journal and key material
// rely on: atomic replacement, locked appends and line scanning.
package fsx

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// WriteFileAtomic replaces path with content. Readers see either the old file
// or the complete new one.
func WriteFileAtomic(path string, content []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}
	staged, err := stage(dir, filepath.Base(path), content, mode)
	if err != nil {
		return err
	}
	if err := replace(staged, path); err != nil {
		_ = os.Remove(staged)
		return err
	}
	syncDirectory(dir)
	return nil
}

// stage writes content to a synced temp file beside the destination and
// returns its path.
func stage(dir, base string, content []byte, mode os.FileMode) (string, error) {
	file, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	name := file.Name()
	fail := func(step string, cause error) (string, error) {
		_ = file.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("%s temp file: %w", step, cause)
	}
	if _, err := file.Write(content); err != nil {
		return fail("write", err)
	}
	if err := file.Chmod(mode); err != nil {
		return fail("chmod", err)
	}
	if err := file.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return name, nil
}

func replace(staged, path string) error {
	err := os.Rename(staged, path)
	if err == nil || runtime.GOOS != "windows" {
		if err != nil {
			return fmt.Errorf("rename temp file: %w", err)
		}
		return nil
	}
	// Windows refuses to rename over an existing file.
	if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
		return fmt.Errorf("remove destination before rename: %w", removeErr)
	}
	if err := os.Rename(staged, path); err != nil {
		return fmt.Errorf("rename temp file after remove: %w", err)
	}
	return nil
}

func syncDirectory(dir string) {
	// #nosec G304 -- directory of a caller-provided destination.
	handle, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = handle.Sync()
	_ = handle.Close()
}
