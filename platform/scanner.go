// Package platform provides the OS-facing snapshot sources the monitors
// poll: filesystem walks, process and connection tables, resource
// metrics, mounted drives and login sessions.
package platform

import (
	"os"
	"path/filepath"

	"github.com/sentinelops/sentinel-agent/monitor"
)

// WalkScanner snapshots the files under a fixed set of roots.
type WalkScanner struct {
	roots []string
	// maxFiles bounds one snapshot so a huge tree cannot pin a tick.
	maxFiles int
}

// NewWalkScanner creates a scanner over the given roots.
func NewWalkScanner(roots []string, maxFiles int) *WalkScanner {
	if maxFiles <= 0 {
		maxFiles = 200000
	}
	return &WalkScanner{roots: roots, maxFiles: maxFiles}
}

// Scan walks every root and returns the files found. Unreadable entries
// are skipped rather than failing the snapshot.
func (s *WalkScanner) Scan() ([]monitor.FileEntry, error) {
	var entries []monitor.FileEntry
	for _, root := range s.roots {
		_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return nil
			}
			if info.IsDir() {
				if len(entries) >= s.maxFiles {
					return filepath.SkipDir
				}
				return nil
			}
			if len(entries) >= s.maxFiles {
				return filepath.SkipDir
			}
			entries = append(entries, monitor.FileEntry{
				Path:    path,
				Size:    info.Size(),
				ModTime: info.ModTime(),
			})
			return nil
		})
	}
	return entries, nil
}

// WalkTree snapshots one directory tree; it is the monitor.ScanFunc used
// for removable-drive inventories.
func WalkTree(root string) ([]monitor.FileEntry, error) {
	return NewWalkScanner([]string{root}, 0).Scan()
}
