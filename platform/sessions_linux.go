//go:build linux

package platform

import (
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/sentinelops/sentinel-agent/monitor"
)

// LoginSessions snapshots interactive sessions via who(1), which reads
// utmp for us and stays stable across libc variants.
type LoginSessions struct{}

func NewLoginSessions() *LoginSessions { return &LoginSessions{} }

// Sessions lists the currently logged-in sessions.
func (ls *LoginSessions) Sessions() ([]monitor.Session, error) {
	out, err := exec.Command("who").Output()
	if err != nil {
		return nil, fmt.Errorf("run who: %w", err)
	}
	return parseWho(string(out)), nil
}

// parseWho handles lines of the form
//
//	alice  pts/0  2025-08-26 10:14 (203.0.113.9)
func parseWho(out string) []monitor.Session {
	var sessions []monitor.Session
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		s := monitor.Session{User: fields[0], TTY: fields[1]}
		if len(fields) >= 4 {
			if at, err := time.ParseInLocation("2006-01-02 15:04", fields[2]+" "+fields[3], time.Local); err == nil {
				s.LoginAt = at
			}
		}
		last := fields[len(fields)-1]
		if strings.HasPrefix(last, "(") && strings.HasSuffix(last, ")") {
			remote := last[1 : len(last)-1]
			// Local graphical sessions show the display, not a host.
			if !strings.HasPrefix(remote, ":") {
				s.Remote = remote
			}
		}
		sessions = append(sessions, s)
	}
	return sessions
}
