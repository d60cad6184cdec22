package files

import (
	"os"
	"path/filepath"
)

// FindUp looks for a regular file called name in dir and then in each of its parents.
// It returns the full path of the first match, or "" if none is found.
func FindUp(name, dir string) string {
	curDir := dir
	for {
		candidate := filepath.Join(curDir, name)
		if fi, err := os.Stat(candidate); err == nil && fi.Mode().IsRegular() {
			return candidate
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return ""
		}
		curDir = newDir
	}
}
