package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// logRoot is where the agent gateway writes its logs. Tests point it at a
// temp dir.
var logRoot = os.TempDir()

// DetectLogPath finds the agent gateway log directory.
//
// The gateway writes to /tmp/openclaw-<uid>/. Failing that, the most recently
// modified /tmp/openclaw-*/ directory holding log files is used, then the
// legacy /tmp/openclaw/ directory.
func DetectLogPath() string {
	uidPath := filepath.Join(logRoot, fmt.Sprintf("openclaw-%d", os.Getuid()))
	if isDir(uidPath) {
		return uidPath
	}

	candidates, _ := filepath.Glob(filepath.Join(logRoot, "openclaw-*"))
	dirs := candidates[:0]
	mtimes := make(map[string]int64, len(candidates))
	for _, c := range candidates {
		fi, err := os.Stat(c)
		if err != nil || !fi.IsDir() {
			continue
		}
		dirs = append(dirs, c)
		mtimes[c] = fi.ModTime().UnixNano()
	}
	sort.SliceStable(dirs, func(i, j int) bool {
		return mtimes[dirs[i]] > mtimes[dirs[j]]
	})
	for _, d := range dirs {
		if logs, _ := filepath.Glob(filepath.Join(d, "openclaw-*.log")); len(logs) > 0 {
			return d
		}
	}

	legacy := filepath.Join(logRoot, "openclaw")
	if isDir(legacy) {
		return legacy
	}
	return uidPath
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}
