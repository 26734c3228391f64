// Package control — server.go
//
// Unix domain socket server exposing the gateway's narrow control
// interface. The HTTP/JSON operator surface is an external collaborator
// that sits behind this socket. Protocol: one newline-delimited JSON
// request per connection, one JSON response.
//
// Socket path: /run/egs-gateway/control.sock (configurable).
// Permissions: 0600.
//
// Commands (JSON request -> JSON response):
//
//	{"op":"activateZone","zone":"A","wind":"S-N"}
//	  -> {"ok":true,"zone":"A","wind":"S-N"}
//
//	{"op":"deactivate","zone":"A","wind":"S-N"}   (zone/wind optional)
//	  -> {"ok":true,"mode":"zone","zone":"A","wind":"S-N"}
//
//	{"op":"setLamp","lampId":4,"on":true,"flash":false}
//	  -> {"ok":true}
//
//	{"op":"setDeviceAll","device":"A","on":true}
//	  -> {"ok":true}
//
//	{"op":"setDeviceRoute","device":"A","route":3}
//	  -> {"ok":true,"elapsedMs":42}   ("retries" is omitted when 0)
//
//	{"op":"setDeviceMask","device":"A","mask":"1FF"}
//	  -> {"ok":true,"elapsedMs":38}
//
//	{"op":"health"}
//	  -> {"ok":true,"health":{...}}
//
//	{"op":"syncState"}
//	  -> {"ok":true,"syncState":{...}}
//
// Security: no authentication — any process able to reach the socket is
// trusted.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

const connDeadline = 10 * time.Second

// Core is the set of operations the control server dispatches to
// (activateZone, deactivate, setLamp, setDeviceAll, setDeviceRoute,
// setDeviceMask, health, syncState).
type Core interface {
	Activate(ctx context.Context, zone, wind string) (ActivateResult, error)
	Deactivate(ctx context.Context, zone, wind string) (DeactivateResult, error)
	SetLamp(ctx context.Context, id int, on bool, flash bool) (bool, error)
	SetDeviceAll(ctx context.Context, device byte, on bool) (bool, error)
	SetDeviceRoute(ctx context.Context, device byte, n int) (CommandOutcome, error)
	SetDeviceMask(ctx context.Context, device byte, hexMask string) (CommandOutcome, error)
	Health() HealthSnapshot
	SyncState() SyncStateSnapshot
}

// ActivateResult, DeactivateResult mirror orchestrator.ActivateResult /
// DeactivateResult; redefined here so this package does not import
// orchestrator directly, keeping the control wire contract independent of
// the core's internal types.
type ActivateResult struct {
	OK   bool
	Zone string
	Wind string
}

type DeactivateResult struct {
	OK   bool
	Mode string
	Zone string
	Wind string
}

// CommandOutcome mirrors pipeline.Outcome for the wire response.
type CommandOutcome struct {
	OK        bool
	Retries   int
	ElapsedMs int64
	Err       string
}

// HealthSnapshot is what {"op":"health"} returns.
type HealthSnapshot struct {
	GatewayConnected bool                    `json:"gatewayConnected"`
	QueueDepth       int                     `json:"queueDepth"`
	PerDevice        map[string]DeviceHealth `json:"perDevice"`
	ConnectionStatus string                  `json:"connectionStatus"`
	LastHeartbeat    time.Time               `json:"lastHeartbeat"`
}

// DeviceHealth is the wire form of pipeline.DeviceHealth.
type DeviceHealth struct {
	Total         int     `json:"total"`
	Success       int     `json:"success"`
	LastSuccessAt int64   `json:"lastSuccessAt"`
	LastFrame     string  `json:"lastFrame"`
	SuccessRate   float64 `json:"successRate"`
}

// SyncStateSnapshot is what {"op":"syncState"} returns.
type SyncStateSnapshot struct {
	Activated              bool      `json:"activated"`
	ZoneName               string    `json:"zoneName,omitempty"`
	Wind                   string    `json:"wind,omitempty"`
	ActivatedAt            time.Time `json:"activatedAt,omitempty"`
	DeactivationInProgress bool      `json:"deactivationInProgress"`
}

// request is the JSON structure for every control command.
type request struct {
	Op     string `json:"op"`
	Zone   string `json:"zone,omitempty"`
	Wind   string `json:"wind,omitempty"`
	LampID int    `json:"lampId,omitempty"`
	On     bool   `json:"on,omitempty"`
	Flash  bool   `json:"flash,omitempty"`
	Device string `json:"device,omitempty"`
	Route  int    `json:"route,omitempty"`
	Mask   string `json:"mask,omitempty"`
}

// response is the JSON structure for every control command's reply.
type response struct {
	OK        bool               `json:"ok"`
	Error     string             `json:"error,omitempty"`
	Zone      string             `json:"zone,omitempty"`
	Wind      string             `json:"wind,omitempty"`
	Mode      string             `json:"mode,omitempty"`
	Retries   int                `json:"retries,omitempty"`
	ElapsedMs int64              `json:"elapsedMs,omitempty"`
	Health    *HealthSnapshot    `json:"health,omitempty"`
	SyncState *SyncStateSnapshot `json:"syncState,omitempty"`
}

// Server is the control-socket server.
type Server struct {
	socketPath      string
	maxConns        int
	maxRequestBytes int
	core            Core
	log             *zap.Logger
	sem             chan struct{}
}

// NewServer constructs a control Server. maxConns and maxRequestBytes
// should come from config.ControlConfig.
func NewServer(socketPath string, maxConns, maxRequestBytes int, core Core, log *zap.Logger) *Server {
	if log == nil {
		panic("control.NewServer: log must not be nil")
	}
	if maxConns <= 0 {
		maxConns = 4
	}
	if maxRequestBytes <= 0 {
		maxRequestBytes = 65536
	}
	return &Server{
		socketPath:      socketPath,
		maxConns:        maxConns,
		maxRequestBytes: maxRequestBytes,
		core:            core,
		log:             log,
		sem:             make(chan struct{}, maxConns),
	}
}

// ListenAndServe binds the Unix socket (removing any stale file first) and
// serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("control: remove stale socket %q: %w", s.socketPath, err)
	}
	if dir := filepath.Dir(s.socketPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("control: mkdir %q: %w", dir, err)
		}
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("control: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("control: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("control socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		_ = lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("control: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("control: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(ctx, c)
		}(conn)
	}
}

// handleConn reads one newline-delimited JSON request, dispatches it, and
// writes one JSON response.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connDeadline))

	reader := bufio.NewReaderSize(io.LimitReader(conn, int64(s.maxRequestBytes)), s.maxRequestBytes)
	line, err := reader.ReadBytes('\n')
	if err != nil && err != io.EOF {
		s.log.Warn("control: read error", zap.Error(err))
		return
	}
	if len(line) == 0 {
		return
	}

	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		s.writeResponse(conn, response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(ctx, req)
	s.writeResponse(conn, resp)
}

func (s *Server) dispatch(ctx context.Context, req request) response {
	switch req.Op {
	case "activateZone":
		return s.cmdActivate(ctx, req)
	case "deactivate":
		return s.cmdDeactivate(ctx, req)
	case "setLamp":
		return s.cmdSetLamp(ctx, req)
	case "setDeviceAll":
		return s.cmdSetDeviceAll(ctx, req)
	case "setDeviceRoute":
		return s.cmdSetDeviceRoute(ctx, req)
	case "setDeviceMask":
		return s.cmdSetDeviceMask(ctx, req)
	case "health":
		h := s.core.Health()
		return response{OK: true, Health: &h}
	case "syncState":
		v := s.core.SyncState()
		return response{OK: true, SyncState: &v}
	default:
		return response{OK: false, Error: fmt.Sprintf("unknown op %q", req.Op)}
	}
}

func (s *Server) cmdActivate(ctx context.Context, req request) response {
	res, err := s.core.Activate(ctx, req.Zone, req.Wind)
	if err != nil {
		return response{OK: false, Error: err.Error(), Zone: req.Zone, Wind: req.Wind}
	}
	return response{OK: res.OK, Zone: res.Zone, Wind: res.Wind}
}

func (s *Server) cmdDeactivate(ctx context.Context, req request) response {
	res, err := s.core.Deactivate(ctx, req.Zone, req.Wind)
	if err != nil {
		return response{OK: false, Error: err.Error()}
	}
	return response{OK: res.OK, Mode: res.Mode, Zone: res.Zone, Wind: res.Wind}
}

func (s *Server) cmdSetLamp(ctx context.Context, req request) response {
	if req.LampID < 1 {
		return response{OK: false, Error: "lampId is required"}
	}
	ok, err := s.core.SetLamp(ctx, req.LampID, req.On, req.Flash)
	if err != nil {
		return response{OK: false, Error: err.Error()}
	}
	return response{OK: ok}
}

func (s *Server) cmdSetDeviceAll(ctx context.Context, req request) response {
	if req.Device == "" {
		return response{OK: false, Error: "device is required"}
	}
	ok, err := s.core.SetDeviceAll(ctx, req.Device[0], req.On)
	if err != nil {
		return response{OK: false, Error: err.Error()}
	}
	return response{OK: ok}
}

func (s *Server) cmdSetDeviceRoute(ctx context.Context, req request) response {
	if req.Device == "" {
		return response{OK: false, Error: "device is required"}
	}
	out, err := s.core.SetDeviceRoute(ctx, req.Device[0], req.Route)
	if err != nil {
		return response{OK: false, Error: err.Error()}
	}
	return response{OK: out.OK, Error: out.Err, Retries: out.Retries, ElapsedMs: out.ElapsedMs}
}

func (s *Server) cmdSetDeviceMask(ctx context.Context, req request) response {
	if req.Device == "" {
		return response{OK: false, Error: "device is required"}
	}
	out, err := s.core.SetDeviceMask(ctx, req.Device[0], req.Mask)
	if err != nil {
		return response{OK: false, Error: err.Error()}
	}
	return response{OK: out.OK, Error: out.Err, Retries: out.Retries, ElapsedMs: out.ElapsedMs}
}

func (s *Server) writeResponse(conn net.Conn, resp response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("control: marshal response failed", zap.Error(err))
		return
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		s.log.Warn("control: write response failed", zap.Error(err))
	}
}
