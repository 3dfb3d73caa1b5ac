// Package server recibe reportes de posición de equipos por TCP: una línea
// con el token del equipo y después un JSON por línea.
package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"crewmap-svr/internal/auth"
	"crewmap-svr/internal/observability"
	"crewmap-svr/internal/pipeline"
	"crewmap-svr/internal/position"
)

const (
	maxLine     = 16 * 1024
	idleTimeout = 5 * time.Minute
)

type Ingestor interface {
	IngestPosition(ctx context.Context, tenantID string, row map[string]any) (position.Record, bool, error)
}

type TCPServer struct {
	auth   *auth.Provider
	ingest Ingestor
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]net.Conn
	wg     sync.WaitGroup
}

func NewTCPServer(p *auth.Provider, in Ingestor, lg *slog.Logger) *TCPServer {
	return &TCPServer{
		auth:   p,
		ingest: in,
		logger: lg.With("component", "tcp"),
		active: make(map[string]net.Conn),
	}
}

func (s *TCPServer) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("error starting TCP server: %w", err)
	}
	s.logger.Info("tcp: listening", "addr", addr)
	return s.Serve(ctx, l)
}

// Serve acepta conexiones hasta que ctx se cancela; después cierra las
// conexiones abiertas y espera a que terminen.
func (s *TCPServer) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	defer s.closeAll()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("tcp: accept error", "err", err)
			continue
		}
		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			s.handleConnection(ctx, c)
		}(conn)
	}
}

func (s *TCPServer) ActiveDevices() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *TCPServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(60 * time.Second)
	}

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 1024), maxLine)

	// ----- handshake -----
	_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	if !sc.Scan() {
		return
	}
	device, err := s.auth.Operator(string(bytes.TrimSpace(sc.Bytes())))
	if err != nil {
		s.logger.Warn("tcp: handshake rejected", "remote", conn.RemoteAddr().String(), "err", err)
		_, _ = io.WriteString(conn, "ERR unauthorized\n")
		return
	}
	s.register(device.ID, conn)
	defer s.unregister(device.ID, conn)
	s.logger.Info("tcp: device connected", "device", device.ID, "tenant", device.TenantID, "remote", conn.RemoteAddr().String())
	_, _ = io.WriteString(conn, "OK\n")

	// ----- reportes -----
	for {
		_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
		if !sc.Scan() {
			break
		}
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if _, err := io.WriteString(conn, s.handleLine(ctx, device, line)+"\n"); err != nil {
			break
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("tcp: read error", "device", device.ID, "err", err)
	}
}

func (s *TCPServer) handleLine(ctx context.Context, device auth.Operator, line []byte) string {
	var row map[string]any
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	if err := dec.Decode(&row); err != nil || row == nil {
		return "NAK invalid json"
	}

	rec, inserted, err := s.ingest.IngestPosition(ctx, device.TenantID, row)
	switch {
	case pipeline.IsValidation(err):
		return "NAK " + err.Error()
	case err != nil:
		s.logger.Error("tcp: ingest failed", "device", device.ID, "err", err)
		return "NAK internal error"
	case !inserted:
		return "DUP " + rec.ID
	default:
		return "ACK " + rec.ID
	}
}

// register deja una sola conexión por equipo; la anterior se cierra.
func (s *TCPServer) register(id string, conn net.Conn) {
	s.mu.Lock()
	prev, ok := s.active[id]
	s.active[id] = conn
	n := len(s.active)
	s.mu.Unlock()
	if ok {
		s.logger.Info("tcp: replacing previous connection", "device", id)
		prev.Close()
	}
	observability.DeviceConnections.Set(float64(n))
}

func (s *TCPServer) unregister(id string, conn net.Conn) {
	s.mu.Lock()
	if s.active[id] == conn {
		delete(s.active, id)
	}
	n := len(s.active)
	s.mu.Unlock()
	observability.DeviceConnections.Set(float64(n))
	s.logger.Info("tcp: device disconnected", "device", id)
}

func (s *TCPServer) closeAll() {
	s.mu.Lock()
	for _, c := range s.active {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}
