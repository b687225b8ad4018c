package publisher

import (
	"fmt"
	"os"
	"path/filepath"
)

// buildTempTree creates a sibling temp directory for targetPath on the
// same filesystem, so every hard link an ecosystem.Publisher makes into it
// lands on the pool's own device and a plain rename finishes the publish.
func buildTempTree(targetPath string) (string, error) {
	parent := filepath.Dir(targetPath)
	if err := os.MkdirAll(parent, 0o750); err != nil {
		return "", fmt.Errorf("publisher: mkdir parent: %w", err)
	}
	dir, err := os.MkdirTemp(parent, ".chantal-publish-*")
	if err != nil {
		return "", fmt.Errorf("publisher: mkdir temp tree: %w", err)
	}
	return dir, nil
}

// atomicSwap renames tempDir over targetPath. If targetPath already
// exists, the swap is two-step (spec.md §4.F step 5): the old tree moves
// to a trash path first, the new tree moves into place, then the trash is
// removed. Between the two renames targetPath does not exist: a crash
// there leaves the old tree at the trash path and nothing at targetPath.
// If the second rename fails, the old tree is moved back.
func atomicSwap(targetPath, tempDir string) error {
	trash := targetPath + ".trash"
	if _, err := os.Stat(targetPath); err == nil {
		os.RemoveAll(trash) // leftover from a previous crashed swap
		if err := os.Rename(targetPath, trash); err != nil {
			return fmt.Errorf("publisher: move old tree aside: %w", err)
		}
	}
	if err := os.Rename(tempDir, targetPath); err != nil {
		// Best-effort: restore the old tree so the target isn't left missing.
		os.Rename(trash, targetPath)
		return fmt.Errorf("publisher: swap in new tree: %w", err)
	}
	os.RemoveAll(trash)
	return nil
}

// cleanupTempTree removes a temp tree after a failed publish, per spec.md
// §4.F's "a partial hard-link run cleans up its temp tree."
func cleanupTempTree(tempDir string) {
	os.RemoveAll(tempDir)
}

// removeTree deletes a published tree outright, for Unpublish.
func removeTree(targetPath string) error {
	if err := os.RemoveAll(targetPath); err != nil {
		return fmt.Errorf("publisher: unpublish: %w", err)
	}
	return nil
}
