// Package launcher spawns R runtime host processes for debug sessions.
//
// A host is started with a free loopback port appended to its arguments
// ("--port N") and is considered ready once that port accepts connections.
// Hosts run in their own process group so that Kill also takes down any
// child R processes.
package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/ctagard/rdebug/internal/errors"
	"github.com/ctagard/rdebug/pkg/types"
)

// Launcher starts runtime hosts
type Launcher struct {
	HostPath     string
	HostArgs     []string
	StartTimeout time.Duration
	Logger       *slog.Logger
}

// Host is a spawned runtime host process
type Host struct {
	Address string
	PID     int

	cmd      *exec.Cmd
	done     chan struct{}
	waitErr  error
	killOnce sync.Once
	killErr  error
}

// Spawn starts a host and waits until it accepts connections
func (l *Launcher) Spawn(ctx context.Context, req types.LaunchRequest) (*Host, error) {
	hostPath := req.HostPath
	if hostPath == "" {
		hostPath = l.HostPath
	}
	if hostPath == "" {
		return nil, errors.MissingParameter("hostPath", "path to the runtime host executable")
	}

	port, err := findAvailablePort()
	if err != nil {
		return nil, errors.HostSpawnFailed(hostPath, err)
	}
	listen := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))

	args := append([]string{}, l.HostArgs...)
	args = append(args, req.Args...)
	args = append(args, "--port", strconv.Itoa(port))
	if req.Script != "" {
		args = append(args, "--file", req.Script)
	}

	//nolint:gosec // G204: launching the configured runtime host is the point
	cmd := exec.Command(hostPath, args...)
	cmd.Env = os.Environ()
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	if req.Cwd != "" {
		cmd.Dir = req.Cwd
	}
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	setProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return nil, errors.HostSpawnFailed(hostPath, err)
	}

	h := &Host{
		Address: "ws://" + listen,
		PID:     cmd.Process.Pid,
		cmd:     cmd,
		done:    make(chan struct{}),
	}
	go func() {
		h.waitErr = cmd.Wait()
		close(h.done)
	}()

	timeout := l.StartTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if err := h.waitReady(ctx, listen, timeout); err != nil {
		if killErr := h.Kill(); killErr != nil {
			l.logger().Warn("failed to kill runtime host after failed start", "pid", h.PID, "error", killErr)
		}
		return nil, errors.HostSpawnFailed(hostPath, err)
	}

	l.logger().Info("runtime host started", "path", hostPath, "pid", h.PID, "address", h.Address)
	return h, nil
}

func (l *Launcher) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// waitReady polls the host's port until it accepts a connection
func (h *Host) waitReady(ctx context.Context, address string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	var dialer net.Dialer
	for {
		conn, err := dialer.DialContext(ctx, "tcp", address)
		if err == nil {
			_ = conn.Close()
			return nil
		}

		select {
		case <-h.done:
			return fmt.Errorf("host exited before accepting connections: %v", h.waitErr)
		case <-ctx.Done():
			return fmt.Errorf("host did not listen on %s: %w", address, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Done is closed when the host process exits
func (h *Host) Done() <-chan struct{} {
	return h.done
}

// Kill terminates the host and its process group and waits for it to exit
func (h *Host) Kill() error {
	h.killOnce.Do(func() {
		select {
		case <-h.done:
			return
		default:
		}
		// Uses platform-specific implementation (process_unix.go / process_windows.go)
		h.killErr = killProcessGroup(h.PID, h.cmd)
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			if h.killErr == nil {
				h.killErr = fmt.Errorf("host %d did not exit after kill", h.PID)
			}
		}
	})
	return h.killErr
}

// findAvailablePort finds an available TCP port by binding to port 0
func findAvailablePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to find a free port: %w", err)
	}
	defer listener.Close()
	addr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("unexpected listener address %s", listener.Addr())
	}
	return addr.Port, nil
}
