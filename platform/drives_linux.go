//go:build linux

package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/sentinelops/sentinel-agent/monitor"
)

// removableMountPrefixes are where desktop environments and admins mount
// removable media.
var removableMountPrefixes = []string{"/media/", "/run/media/", "/mnt/"}

// MountedDrives snapshots removable volumes from /proc/mounts.
type MountedDrives struct{}

func NewMountedDrives() *MountedDrives { return &MountedDrives{} }

// Drives lists volumes mounted under the removable-media prefixes.
func (md *MountedDrives) Drives() ([]monitor.Drive, error) {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return nil, fmt.Errorf("read /proc/mounts: %w", err)
	}

	var drives []monitor.Drive
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		device, mount := fields[0], fields[1]
		if !strings.HasPrefix(device, "/dev/") {
			continue
		}
		if !isRemovableMount(mount) {
			continue
		}

		d := monitor.Drive{
			Device:     device,
			MountPoint: unescapeMount(mount),
			Label:      filepath.Base(mount),
		}
		var st unix.Statfs_t
		if err := unix.Statfs(d.MountPoint, &st); err == nil {
			d.TotalBytes = st.Blocks * uint64(st.Bsize)
		}
		drives = append(drives, d)
	}
	return drives, nil
}

func isRemovableMount(mount string) bool {
	for _, prefix := range removableMountPrefixes {
		if strings.HasPrefix(mount, prefix) {
			return true
		}
	}
	return false
}

// unescapeMount decodes the octal escapes /proc/mounts uses for spaces
// and other special characters in mount paths.
func unescapeMount(s string) string {
	replacer := strings.NewReplacer(
		`\040`, " ",
		`\011`, "\t",
		`\012`, "\n",
		`\134`, `\`,
	)
	return replacer.Replace(s)
}
