package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/Finesssee/CoreWarden/internal/buildinfo"
	"github.com/Finesssee/CoreWarden/internal/supervisor"
)

// maxRequestBytes bounds a single request line.
const maxRequestBytes = 256 * 1024

// Server accepts control connections and dispatches commands to the
// supervisor. Connections are served one at a time, and the supervisor's own
// operation lock serializes the commands themselves.
type Server struct {
	socketPath string
	sup        *supervisor.Supervisor
	listener   net.Listener
}

// NewServer builds a control server bound to socketPath once Serve runs.
func NewServer(socketPath string, sup *supervisor.Supervisor) *Server {
	return &Server{socketPath: socketPath, sup: sup}
}

// Serve listens on the unix socket and handles connections until ctx is
// canceled. A stale socket file from a previous run is removed first.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	// Socket-level trust: only root and the owning user may connect.
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("restricting socket permissions: %w", err)
	}
	s.listener = listener
	log.WithField("socket", s.socketPath).Info("control channel listening")

	go func() {
		<-ctx.Done()
		listener.Close()
		os.Remove(s.socketPath)
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Warnf("accept failed: %v", err)
			continue
		}
		// One connection at a time: commands from a second client queue
		// behind the current one rather than interleaving.
		s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	connID := uuid.NewString()[:8]
	logger := log.WithField("conn", connID)
	logger.Debug("client connected")

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxRequestBytes)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		var resp Response
		if err := json.Unmarshal(line, &req); err != nil {
			resp = fail("malformed request: " + err.Error())
		} else {
			started := time.Now()
			resp = s.dispatch(ctx, req)
			logger.WithFields(log.Fields{
				"command":  req.Command,
				"success":  resp.Success,
				"duration": time.Since(started).Round(time.Millisecond).String(),
			}).Info("command handled")
		}

		if err := encoder.Encode(resp); err != nil {
			logger.Warnf("writing response failed: %v", err)
			return
		}
	}
	logger.Debug("client disconnected")
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Command {
	case CmdPing:
		return ok("pong")

	case CmdVersion:
		return ok(VersionInfo{
			Version:   buildinfo.Version,
			Commit:    buildinfo.Commit,
			BuildDate: buildinfo.BuildDate,
		})

	case CmdStart:
		if req.ConfigPath == "" {
			return fail("start requires config_path")
		}
		if req.CorePath == "" {
			return fail("start requires core_path")
		}
		res, err := s.sup.Start(ctx, supervisor.StartRequest{
			ConfigPath: req.ConfigPath,
			CorePath:   req.CorePath,
			Proxy:      req.SystemProxy,
		})
		if err != nil {
			return fail(err.Error())
		}
		return ok(res)

	case CmdStop:
		if err := s.sup.Stop(ctx); err != nil {
			return fail(err.Error())
		}
		return ok(nil)

	case CmdRestart:
		res, err := s.sup.Restart(ctx)
		if err != nil {
			return fail(err.Error())
		}
		return ok(res)

	case CmdStatus:
		return ok(s.sup.Status())

	case CmdLogs:
		if req.Tail > 0 {
			return ok(s.sup.Logs().Tail(req.Tail))
		}
		return ok(s.sup.Logs().Snapshot())

	default:
		return fail(fmt.Sprintf("unknown command %q", req.Command))
	}
}
