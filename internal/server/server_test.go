package server

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/peersec/peerca/internal/ca"
	"github.com/peersec/peerca/internal/config"
	"github.com/peersec/peerca/internal/crypto"
	"github.com/peersec/peerca/internal/database"
	"github.com/peersec/peerca/internal/directory"
	"github.com/peersec/peerca/internal/mail"
	"github.com/peersec/peerca/internal/protocol"
	"github.com/peersec/peerca/internal/ra"
)

type discardSender struct{}

func (discardSender) Send(to, subject, body string) error { return nil }

func setupServer(t *testing.T) (*Server, string) {
	cfg := &config.Config{
		Server: config.ServerConfig{
			Host:          "127.0.0.1",
			Port:          0,
			ClientTimeout: 5 * time.Second,
			MaxWorkers:    4,
		},
		Database: config.DatabaseConfig{
			Type: "sqlite",
			SQLite: config.SQLiteConfig{
				Path: t.TempDir() + "/test.db",
			},
		},
		CA: config.CAConfig{
			AutoGenerate: true,
			Subject: config.SubjectConfig{
				CommonName:   "PeerCA Test Root",
				Organization: "PeerSec",
			},
			StorePassword:      "store-secret",
			RSABits:            2048,
			PeerRSABits:        2048,
			ValidityMonths:     12,
			PeerValidityMonths: 6,
		},
		SMTP: config.SMTPConfig{
			Programs: map[string]config.ProgramConfig{
				"default": {
					EmailVerificationRequired: false,
					Policy: []config.PolicyRule{
						{Verdict: ra.VerdictAccept},
					},
				},
			},
		},
	}

	db, err := database.New(cfg)
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	authority := ca.New(cfg, db, zap.NewNop())
	require.NoError(t, authority.Bootstrap())

	notifier := mail.New(cfg, db, discardSender{}, zap.NewNop())
	authority.SetNotifier(notifier)
	registration := ra.New(cfg, db, authority, notifier, zap.NewNop())
	dir := directory.New(cfg, db, authority, notifier, zap.NewNop())

	srv := New(cfg, authority, registration, dir, notifier, zap.NewNop())
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})

	return srv, srv.Addr().String()
}

func dialServer(t *testing.T, addr string) *tls.Conn {
	conn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// exchange performs the protocol's single request/response round trip.
func exchange(t *testing.T, addr string, kind protocol.PacketKind, payload interface{}) *protocol.Packet {
	conn := dialServer(t, addr)

	packet, err := protocol.NewPacket(kind, payload)
	require.NoError(t, err)
	require.NoError(t, protocol.WritePacket(conn, packet, 5*time.Second))

	response, err := protocol.ReadPacket(conn, 5*time.Second)
	require.NoError(t, err)
	return response
}

func requireErrorResponse(t *testing.T, response *protocol.Packet, code protocol.ErrorCode) {
	require.Equal(t, protocol.KindProcessingError, response.Kind)
	var payload protocol.ErrorResponse
	require.NoError(t, response.Decode(&payload))
	assert.Equal(t, code.String(), payload.Code)
}

func TestRegistrationRoundTrip(t *testing.T) {
	_, addr := setupServer(t)

	response := exchange(t, addr, protocol.KindCertificateRegistration, &protocol.CertificateRegistration{
		ClientInfo: protocol.ClientInfo{ProgramName: "peerchat", ProgramVersion: "2.1"},
		Avatar:     "alice",
		Email:      "alice@example.com",
		World:      "w1",
		Password:   "Secret1!",
	})
	require.Equal(t, protocol.KindCertificateResponse, response.Kind)

	var payload protocol.CertificateResponse
	require.NoError(t, response.Decode(&payload))

	identity, _, err := crypto.DecodePKCS12(payload.Pkcs12, crypto.HashPassword("Secret1!"))
	require.NoError(t, err)
	assert.Equal(t, "alice", identity.Certificate.Subject.CommonName)
}

func TestCertificateRetrievalOverWire(t *testing.T) {
	_, addr := setupServer(t)

	exchange(t, addr, protocol.KindCertificateRegistration, &protocol.CertificateRegistration{
		ClientInfo: protocol.ClientInfo{ProgramName: "peerchat", ProgramVersion: "2.1"},
		Avatar:     "alice",
		Email:      "alice@example.com",
		World:      "w1",
		Password:   "Secret1!",
	})

	response := exchange(t, addr, protocol.KindCertificateRequest, &protocol.CertificateRequest{
		AvatarOrEmail: "alice",
		Password:      "Secret1!",
	})
	require.Equal(t, protocol.KindCertificateResponse, response.Kind)
}

func TestProcessingErrorResponse(t *testing.T) {
	_, addr := setupServer(t)

	response := exchange(t, addr, protocol.KindCertificateRegistration, &protocol.CertificateRegistration{
		Avatar:   "x",
		Email:    "alice@example.com",
		World:    "w1",
		Password: "Secret1!",
	})
	requireErrorResponse(t, response, protocol.ErrorAvatarFormatIncorrect)
}

func TestDisconnectClosesSilently(t *testing.T) {
	_, addr := setupServer(t)
	conn := dialServer(t, addr)

	packet, err := protocol.NewPacket(protocol.KindDisconnect, nil)
	require.NoError(t, err)
	require.NoError(t, protocol.WritePacket(conn, packet, 5*time.Second))

	_, err = protocol.ReadPacket(conn, 5*time.Second)
	assert.Error(t, err)
}

func TestMalformedFrameAnswered(t *testing.T) {
	_, addr := setupServer(t)
	conn := dialServer(t, addr)

	// Unknown packet kind with an empty payload.
	frame := make([]byte, 5)
	frame[0] = 0xEE
	binary.BigEndian.PutUint32(frame[1:], 0)
	_, err := conn.Write(frame)
	require.NoError(t, err)

	response, err := protocol.ReadPacket(conn, 5*time.Second)
	require.NoError(t, err)
	requireErrorResponse(t, response, protocol.ErrorDeserializationFailed)
}

func TestResponseKindFromClientRejected(t *testing.T) {
	_, addr := setupServer(t)

	response := exchange(t, addr, protocol.KindCertificateResponse, &protocol.CertificateResponse{})
	requireErrorResponse(t, response, protocol.ErrorDeserializationFailed)
}

func TestStopUnblocksAccept(t *testing.T) {
	srv, addr := setupServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	_, err := net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err)
}
