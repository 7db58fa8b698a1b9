package sessions

import (
	"context"
	"log/slog"
	"time"

	"github.com/ctagard/rdebug/internal/debug"
	"github.com/ctagard/rdebug/internal/errors"
	"github.com/ctagard/rdebug/internal/host"
	"github.com/ctagard/rdebug/internal/launcher"
	"github.com/ctagard/rdebug/pkg/types"
)

// Opener creates sessions by spawning or connecting to runtime hosts
type Opener struct {
	Manager  *Manager
	Launcher *launcher.Launcher
	// DialTimeout bounds the websocket handshake
	DialTimeout time.Duration
	// HelperCode replaces the embedded helper payload when set
	HelperCode string
	Logger     *slog.Logger
}

func (o *Opener) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// Launch spawns a runtime host and opens a session on it
func (o *Opener) Launch(ctx context.Context, req types.LaunchRequest) (*Session, error) {
	if o.Launcher == nil {
		return nil, errors.InvalidState("launch", "no runtime host launcher is configured")
	}

	s, err := o.Manager.CreateSession(req.Script)
	if err != nil {
		return nil, err
	}

	h, err := o.Launcher.Spawn(ctx, req)
	if err != nil {
		_ = o.Manager.TerminateSession(s.ID)
		return nil, err
	}

	if err := o.open(ctx, s, h.Address, h, h.PID); err != nil {
		if killErr := h.Kill(); killErr != nil {
			o.logger().Warn("failed to kill runtime host", "pid", h.PID, "error", killErr)
		}
		return nil, err
	}
	return s, nil
}

// Connect opens a session on an already running runtime host
func (o *Opener) Connect(ctx context.Context, address string) (*Session, error) {
	if address == "" {
		return nil, errors.MissingParameter("url", "websocket address of the runtime host")
	}

	s, err := o.Manager.CreateSession("")
	if err != nil {
		return nil, err
	}
	if err := o.open(ctx, s, address, nil, 0); err != nil {
		return nil, err
	}
	return s, nil
}

// open dials the host, attaches a debug session and installs the helpers.
// On failure the reserved session is released.
func (o *Opener) open(ctx context.Context, s *Session, address string, h *launcher.Host, pid int) error {
	logger := o.logger().With("session", s.ID)

	dialCtx := ctx
	if o.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, o.DialTimeout)
		defer cancel()
	}

	tr, err := host.Dial(dialCtx, address, host.WithLogger(logger))
	if err != nil {
		_ = o.Manager.TerminateSession(s.ID)
		return errors.TransportFailed(address, err)
	}

	opts := []debug.Option{debug.WithLogger(logger)}
	if o.HelperCode != "" {
		opts = append(opts, debug.WithHelperCode(o.HelperCode))
	}
	dbg := debug.NewSession(tr, opts...)

	conn := Connection{Debug: dbg, Transport: tr, Address: address, PID: pid}
	if h != nil {
		conn.Host = h
	}
	if err := o.Manager.Attach(s.ID, conn); err != nil {
		_ = dbg.Close()
		_ = tr.Close()
		return err
	}

	if err := dbg.Initialize(ctx); err != nil {
		_ = o.Manager.TerminateSession(s.ID)
		return err
	}

	logger.Info("debug session opened", "address", address)
	return nil
}
