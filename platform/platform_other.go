//go:build !linux

package platform

import (
	"errors"

	"github.com/sentinelops/sentinel-agent/monitor"
)

// ErrUnsupported marks snapshot sources not implemented on this OS. The
// supervisor logs the failures and the affected monitor simply produces
// nothing; the rest of the agent keeps working.
var ErrUnsupported = errors.New("platform: not supported on this operating system")

type ProcLister struct{}

func NewProcLister() *ProcLister { return &ProcLister{} }

func (*ProcLister) Processes() ([]monitor.Process, error) { return nil, ErrUnsupported }

type ProcMetrics struct{}

func NewProcMetrics() *ProcMetrics { return &ProcMetrics{} }

func (*ProcMetrics) Sample() (map[string]float64, error) { return nil, ErrUnsupported }

type TCPConnections struct{}

func NewTCPConnections() *TCPConnections { return &TCPConnections{} }

func (*TCPConnections) Connections() ([]monitor.Connection, error) { return nil, ErrUnsupported }

type MountedDrives struct{}

func NewMountedDrives() *MountedDrives { return &MountedDrives{} }

func (*MountedDrives) Drives() ([]monitor.Drive, error) { return nil, ErrUnsupported }

type LoginSessions struct{}

func NewLoginSessions() *LoginSessions { return &LoginSessions{} }

func (*LoginSessions) Sessions() ([]monitor.Session, error) { return nil, ErrUnsupported }
