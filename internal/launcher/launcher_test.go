//go:build !windows

package launcher

import (
	"context"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctagard/rdebug/internal/errors"
	"github.com/ctagard/rdebug/pkg/types"
)

// TestHelperProcess stands in for a runtime host when re-executed by the tests
func TestHelperProcess(t *testing.T) {
	if os.Getenv("RDEBUG_WANT_HELPER_HOST") != "1" {
		t.Skip("helper process")
	}

	var port string
	args := os.Args
	for i := range args {
		if args[i] == "--port" && i+1 < len(args) {
			port = args[i+1]
		}
	}
	if os.Getenv("RDEBUG_HELPER_EXIT") == "1" || port == "" {
		os.Exit(3)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:"+port)
	if err != nil {
		os.Exit(2)
	}
	for {
		conn, err := ln.Accept()
		if err != nil {
			os.Exit(0)
		}
		_ = conn.Close()
	}
}

func helperLauncher(t *testing.T) *Launcher {
	t.Helper()
	return &Launcher{
		HostPath:     os.Args[0],
		HostArgs:     []string{"-test.run=TestHelperProcess", "--"},
		StartTimeout: 5 * time.Second,
	}
}

func TestLauncher_SpawnAndKill(t *testing.T) {
	l := helperLauncher(t)

	h, err := l.Spawn(context.Background(), types.LaunchRequest{
		Env: map[string]string{"RDEBUG_WANT_HELPER_HOST": "1"},
	})
	require.NoError(t, err)
	assert.Greater(t, h.PID, 0)
	assert.True(t, strings.HasPrefix(h.Address, "ws://127.0.0.1:"))

	conn, err := net.Dial("tcp", strings.TrimPrefix(h.Address, "ws://"))
	require.NoError(t, err)
	_ = conn.Close()

	require.NoError(t, h.Kill())
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("host still running after Kill")
	}
	require.NoError(t, h.Kill(), "Kill must be idempotent")
}

func TestLauncher_HostExitsEarly(t *testing.T) {
	l := helperLauncher(t)

	_, err := l.Spawn(context.Background(), types.LaunchRequest{
		Env: map[string]string{"RDEBUG_WANT_HELPER_HOST": "1", "RDEBUG_HELPER_EXIT": "1"},
	})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeHostSpawnFailed))
}

func TestLauncher_MissingHost(t *testing.T) {
	l := &Launcher{}
	_, err := l.Spawn(context.Background(), types.LaunchRequest{})
	assert.True(t, errors.HasCode(err, errors.CodeMissingParameter))

	l.HostPath = "/nonexistent/rdebug-host"
	_, err = l.Spawn(context.Background(), types.LaunchRequest{})
	assert.True(t, errors.HasCode(err, errors.CodeHostSpawnFailed))
}

func TestFindAvailablePort(t *testing.T) {
	port, err := findAvailablePort()
	require.NoError(t, err)
	assert.Greater(t, port, 0)
}
