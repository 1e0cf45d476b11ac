// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ConnectionStatus is the monitor view the connection checker needs.
type ConnectionStatus struct {
	State      string
	Connected  bool
	Configured bool
	LastError  string
}

// ConnectionChecker reports the long-lived FTP browse connection.
// Missing or failing connections degrade the service rather than fail it:
// cache operations keep working without the remote.
type ConnectionChecker struct {
	status func() ConnectionStatus
}

// NewConnectionChecker creates a checker backed by status.
func NewConnectionChecker(status func() ConnectionStatus) *ConnectionChecker {
	return &ConnectionChecker{status: status}
}

func (c *ConnectionChecker) Name() string { return "ftp_connection" }

func (c *ConnectionChecker) Check(context.Context) CheckResult {
	st := c.status()
	switch {
	case !st.Configured:
		return CheckResult{Status: StatusDegraded, Message: "no FTP host configured"}
	case st.Connected:
		return CheckResult{Status: StatusHealthy, Message: st.State}
	default:
		return CheckResult{Status: StatusDegraded, Message: st.State, Error: st.LastError}
	}
}

// DirChecker verifies that a directory exists and accepts writes.
// When a free-space probe is set, low space degrades the result.
type DirChecker struct {
	name     string
	path     string
	free     func(ctx context.Context) (uint64, error)
	minFree  uint64
	probeTag string
}

// NewDirChecker creates a checker for a writable directory.
func NewDirChecker(name, path string) *DirChecker {
	return &DirChecker{name: name, path: path, probeTag: ".health_probe"}
}

// WithFreeSpace degrades the check when free reports less than minFree bytes.
func (c *DirChecker) WithFreeSpace(free func(ctx context.Context) (uint64, error), minFree uint64) *DirChecker {
	c.free = free
	c.minFree = minFree
	return c
}

func (c *DirChecker) Name() string { return c.name }

func (c *DirChecker) Check(ctx context.Context) CheckResult {
	if err := checkWritableDir(c.path, c.probeTag); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error(), Message: c.path}
	}
	if c.free != nil {
		n, err := c.free(ctx)
		if err != nil {
			return CheckResult{Status: StatusDegraded, Error: err.Error(), Message: "free space unknown"}
		}
		if n < c.minFree {
			return CheckResult{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("low free space: %d bytes", n),
			}
		}
	}
	return CheckResult{Status: StatusHealthy, Message: "directory writable"}
}

func checkWritableDir(path, probe string) error {
	if path == "" {
		return fmt.Errorf("directory not configured")
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("directory does not exist: %s", path)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}
	testFile := filepath.Join(path, probe)
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("directory is not writable: %s (error: %v)", path, err)
	}
	_ = os.Remove(testFile)
	return nil
}

// LastRunChecker reports the outcome of the most recent materialization.
type LastRunChecker struct {
	getLastRun func() (time.Time, string)
}

// NewLastRunChecker creates a checker for the last materialization.
func NewLastRunChecker(getLastRun func() (time.Time, string)) *LastRunChecker {
	return &LastRunChecker{
		getLastRun: getLastRun,
	}
}

func (c *LastRunChecker) Name() string {
	return "last_materialization"
}

func (c *LastRunChecker) Check(context.Context) CheckResult {
	lastRun, lastError := c.getLastRun()

	if lastRun.IsZero() {
		return CheckResult{
			Status:  StatusHealthy,
			Message: "no materialization yet",
		}
	}
	if lastError != "" {
		return CheckResult{
			Status:  StatusDegraded,
			Error:   lastError,
			Message: "last materialization failed",
		}
	}
	return CheckResult{
		Status:  StatusHealthy,
		Message: "last materialization successful",
	}
}
