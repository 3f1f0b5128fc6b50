// Package procattr implements best-effort attribution of a peer TCP socket
// to its owning process name/pid: match the accepted connection's local port
// against the kernel's TCP connection table, then resolve the owning pid's
// open file descriptors to find the matching socket inode. Linux only,
// using /proc/net/tcp{,6} + /proc/<pid>/fd.
package procattr

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/taige/tsproxy/internal/poolcfg"
)

// Attributor resolves local TCP ports to process identity, with a 60s
// cooldown after repeated permission denials.
type Attributor struct {
	mu           sync.Mutex
	denyCount    int
	denySince    time.Time
	disabledTill time.Time
}

func New() *Attributor {
	return &Attributor{}
}

// Process is the attribution result.
type Process struct {
	PID  int
	Name string
}

// Attribute looks up the process owning the local TCP socket bound to
// localPort. It returns (Process{}, false) when attribution is disabled
// (backoff window active, or lookup found nothing) rather than an error
// — attribution is always best-effort and must never block forwarding.
func (a *Attributor) Attribute(localPort int) (Process, bool) {
	a.mu.Lock()
	if !a.disabledTill.IsZero() && time.Now().Before(a.disabledTill) {
		a.mu.Unlock()
		return Process{}, false
	}
	a.mu.Unlock()

	proc, err := attributeOnce(localPort)
	if err != nil {
		a.recordDenial()
		return Process{}, false
	}
	if proc == nil {
		return Process{}, false
	}

	a.mu.Lock()
	a.denyCount = 0
	a.mu.Unlock()
	return *proc, true
}

func (a *Attributor) recordDenial() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.denyCount == 0 {
		a.denySince = time.Now()
	}
	a.denyCount++
	if a.denyCount >= 10 {
		a.disabledTill = time.Now().Add(poolcfg.ProcAttrBackoff)
		a.denyCount = 0
	}
}

func attributeOnce(localPort int) (*Process, error) {
	inode, err := findInode(localPort)
	if err != nil {
		return nil, err
	}
	if inode == "" {
		return nil, nil
	}

	pid, err := findPIDByInode(inode)
	if err != nil {
		return nil, err
	}
	if pid == 0 {
		return nil, nil
	}

	name, err := processName(pid)
	if err != nil {
		return nil, err
	}
	return &Process{PID: pid, Name: name}, nil
}

// findInode scans /proc/net/tcp and /proc/net/tcp6 for an entry whose
// local port matches, returning its socket inode.
func findInode(localPort int) (string, error) {
	for _, path := range []string{"/proc/net/tcp", "/proc/net/tcp6"} {
		inode, err := scanProcNetTCP(path, localPort)
		if err != nil {
			if os.IsPermission(err) {
				return "", err
			}
			continue // missing /proc/net/tcp6 on IPv4-only hosts isn't fatal
		}
		if inode != "" {
			return inode, nil
		}
	}
	return "", nil
}

func scanProcNetTCP(path string, localPort int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Scan() // header line
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 10 {
			continue
		}
		localAddr := fields[1]
		parts := strings.Split(localAddr, ":")
		if len(parts) != 2 {
			continue
		}
		port, err := strconv.ParseInt(parts[1], 16, 32)
		if err != nil || int(port) != localPort {
			continue
		}
		return fields[9], nil // inode column
	}
	return "", scanner.Err()
}

// findPIDByInode walks /proc/<pid>/fd, matching socket:[inode] symlinks.
func findPIDByInode(inode string) (int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return 0, err
	}
	target := fmt.Sprintf("socket:[%s]", inode)

	var permDenied error
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		fdDir := filepath.Join("/proc", entry.Name(), "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			if os.IsPermission(err) {
				permDenied = err
			}
			continue
		}
		for _, fd := range fds {
			link, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err != nil {
				continue
			}
			if link == target {
				return pid, nil
			}
		}
	}
	if permDenied != nil {
		return 0, permDenied
	}
	return 0, nil
}

func processName(pid int) (string, error) {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		if os.IsPermission(err) {
			return "", err
		}
		return "", nil
	}
	return strings.TrimSpace(string(raw)), nil
}
