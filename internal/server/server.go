// Package server runs the peer certification protocol listener: a TLS
// endpoint that serves one request/response exchange per connection and
// routes packets to the registration authority and the directory.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/peersec/peerca/internal/ca"
	"github.com/peersec/peerca/internal/config"
	"github.com/peersec/peerca/internal/directory"
	"github.com/peersec/peerca/internal/mail"
	"github.com/peersec/peerca/internal/metrics"
	"github.com/peersec/peerca/internal/protocol"
	"github.com/peersec/peerca/internal/ra"
)

// Server accepts protocol connections and dispatches their requests.
type Server struct {
	cfg       *config.Config
	ca        *ca.Authority
	ra        *ra.Authority
	directory *directory.Service
	notifier  *mail.Notifier
	logger    *zap.Logger

	listener net.Listener
	sem      chan struct{}
	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a protocol server.
func New(cfg *config.Config, authority *ca.Authority, registration *ra.Authority, dir *directory.Service, notifier *mail.Notifier, logger *zap.Logger) *Server {
	workers := cfg.Server.MaxWorkers
	if workers <= 0 {
		workers = 64
	}
	return &Server{
		cfg:       cfg,
		ca:        authority,
		ra:        registration,
		directory: dir,
		notifier:  notifier,
		logger:    logger,
		sem:       make(chan struct{}, workers),
		done:      make(chan struct{}),
	}
}

// Start binds the TLS listener and launches the accept and maintenance
// loops. The TLS certificate is resolved per handshake, so a rotated
// authority takes effect without a restart.
func (s *Server) Start() error {
	tlsConfig := &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: s.serverCertificate,
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	listener, err := tls.Listen("tcp", addr, tlsConfig)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.logger.Info("protocol server listening", zap.String("addr", listener.Addr().String()))

	s.wg.Add(1)
	go s.acceptLoop()

	if s.cfg.Server.MaintenanceInterval > 0 {
		s.wg.Add(1)
		go s.maintenanceLoop()
	}
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop closes the listener and waits for in-flight connections, bounded by
// the context.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.listener != nil {
			s.listener.Close()
		}
	})

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) serverCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	identity, err := s.ca.TLSIdentity()
	if err != nil {
		return nil, err
	}
	return &tls.Certificate{
		Certificate: [][]byte{identity.Certificate.Raw},
		PrivateKey:  identity.PrivateKey,
	}, nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}

		select {
		case s.sem <- struct{}{}:
		case <-s.done:
			conn.Close()
			return
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection serves one exchange: read a packet, dispatch it, write
// exactly one response. A Disconnect request closes without answering.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() { <-s.sem }()
	defer conn.Close()

	metrics.OpenConnections.Inc()
	defer metrics.OpenConnections.Dec()

	timeout := s.cfg.Server.ClientTimeout
	packet, err := protocol.ReadPacket(conn, timeout)
	if err != nil {
		var frameErr *protocol.FrameError
		if errors.As(err, &frameErr) {
			s.writeError(conn, protocol.NewError(protocol.ErrorDeserializationFailed, frameErr.Reason))
			return
		}
		s.logger.Debug("connection read failed", zap.Error(err))
		return
	}

	if packet.Kind == protocol.KindDisconnect {
		return
	}

	response, err := s.dispatch(packet)
	if err != nil {
		s.writeError(conn, err)
		return
	}
	if err := protocol.WritePacket(conn, response, timeout); err != nil {
		s.logger.Debug("connection write failed", zap.Error(err))
	}
}

func (s *Server) dispatch(packet *protocol.Packet) (*protocol.Packet, error) {
	switch packet.Kind {
	case protocol.KindCertificateRegistration:
		var req protocol.CertificateRegistration
		if err := packet.Decode(&req); err != nil {
			return nil, protocol.NewError(protocol.ErrorDeserializationFailed, "malformed registration payload")
		}
		return s.ra.ProcessRegistration(&req)

	case protocol.KindEmailVerification:
		var req protocol.EmailVerification
		if err := packet.Decode(&req); err != nil {
			return nil, protocol.NewError(protocol.ErrorDeserializationFailed, "malformed verification payload")
		}
		return s.ra.ProcessEmailVerification(&req)

	case protocol.KindCertificateRequest:
		var req protocol.CertificateRequest
		if err := packet.Decode(&req); err != nil {
			return nil, protocol.NewError(protocol.ErrorDeserializationFailed, "malformed certificate request payload")
		}
		return s.directory.ProcessCertificateRequest(&req)

	case protocol.KindPasswordReset:
		var req protocol.PasswordReset
		if err := packet.Decode(&req); err != nil {
			return nil, protocol.NewError(protocol.ErrorDeserializationFailed, "malformed password reset payload")
		}
		return s.ra.ProcessPasswordReset(&req)

	case protocol.KindPasswordResetVerification:
		var req protocol.PasswordResetVerification
		if err := packet.Decode(&req); err != nil {
			return nil, protocol.NewError(protocol.ErrorDeserializationFailed, "malformed reset verification payload")
		}
		return s.ra.ProcessPasswordResetVerification(&req)

	case protocol.KindPasswordChange:
		var req protocol.PasswordChange
		if err := packet.Decode(&req); err != nil {
			return nil, protocol.NewError(protocol.ErrorDeserializationFailed, "malformed password change payload")
		}
		return s.directory.ProcessPasswordChange(&req)

	default:
		return nil, protocol.NewError(protocol.ErrorDeserializationFailed,
			fmt.Sprintf("unexpected packet kind %s", packet.Kind))
	}
}

// writeError logs the failure at the severity the raising component chose
// and answers with a ProcessingError packet.
func (s *Server) writeError(conn net.Conn, err error) {
	var perr *protocol.ProcessingError
	if !errors.As(err, &perr) {
		s.logger.Error("request failed", zap.Error(err))
		perr = protocol.NewError(protocol.ErrorUnknown, "internal error")
	} else {
		s.logger.Log(perr.Severity, "request rejected",
			zap.String("code", perr.Code.String()), zap.String("detail", perr.Detail))
	}
	metrics.ProcessingErrors.WithLabelValues(perr.Code.String()).Inc()

	packet, err := protocol.NewPacket(protocol.KindProcessingError, perr.Response())
	if err != nil {
		return
	}
	if err := protocol.WritePacket(conn, packet, s.cfg.Server.ClientTimeout); err != nil {
		s.logger.Debug("failed to write error response", zap.Error(err))
	}
}

func (s *Server) maintenanceLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Server.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runMaintenance()
		case <-s.done:
			return
		}
	}
}

func (s *Server) runMaintenance() {
	if caSerial, err := s.ca.Serial(); err == nil {
		s.notifier.RetryUndelivered(caSerial)
	}
	s.ra.Maintain()
	s.notifier.Prune()
}
