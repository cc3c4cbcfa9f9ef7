// Package protocol implements the peer certification protocol (PCP) wire
// format: a single request/response exchange per connection, framed as a
// one-byte packet kind, a four-byte big-endian payload length, and a JSON
// payload. It also defines the typed error codes shared between the server
// components and their clients.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"
)

// PacketKind identifies the message carried by a packet.
type PacketKind byte

const (
	KindInvalid PacketKind = iota
	KindCertificateRegistration
	KindEmailVerification
	KindCertificateRequest
	KindPasswordReset
	KindPasswordResetVerification
	KindPasswordChange
	KindDisconnect
	KindCertificateResponse
	KindEmailVerificationRequired
	KindCertificateAuthorizationRequired
	KindEmailVerified
	KindRegistrationDeleted
	KindPasswordResetVerificationRequired
	KindProcessingError
)

var kindNames = map[PacketKind]string{
	KindInvalid:                           "Invalid",
	KindCertificateRegistration:           "CertificateRegistration",
	KindEmailVerification:                 "EmailVerification",
	KindCertificateRequest:                "CertificateRequest",
	KindPasswordReset:                     "PasswordReset",
	KindPasswordResetVerification:         "PasswordResetVerification",
	KindPasswordChange:                    "PasswordChange",
	KindDisconnect:                        "Disconnect",
	KindCertificateResponse:               "CertificateResponse",
	KindEmailVerificationRequired:         "EmailVerificationRequired",
	KindCertificateAuthorizationRequired:  "CertificateAuthorizationRequired",
	KindEmailVerified:                     "EmailVerified",
	KindRegistrationDeleted:               "RegistrationDeleted",
	KindPasswordResetVerificationRequired: "PasswordResetVerificationRequired",
	KindProcessingError:                   "ProcessingError",
}

func (k PacketKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("PacketKind(%d)", byte(k))
}

// MaxPayloadSize bounds a single packet payload. PKCS#12 stores for 4096 bit
// keys stay well below this.
const MaxPayloadSize = 4 << 20

const headerSize = 5

// Packet is one framed protocol message.
type Packet struct {
	Kind PacketKind
	Data []byte
}

// NewPacket builds a packet with a JSON-encoded payload.
func NewPacket(kind PacketKind, payload interface{}) (*Packet, error) {
	if payload == nil {
		return &Packet{Kind: kind}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	return &Packet{Kind: kind, Data: data}, nil
}

// Decode unmarshals the packet payload into v.
func (p *Packet) Decode(v interface{}) error {
	if err := json.Unmarshal(p.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", p.Kind, err)
	}
	return nil
}

// ReadPacket reads a single framed packet from conn, honoring the deadline.
func ReadPacket(conn net.Conn, timeout time.Duration) (*Packet, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("failed to set read deadline: %w", err)
		}
	}

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, fmt.Errorf("failed to read packet header: %w", err)
	}

	kind := PacketKind(header[0])
	length := binary.BigEndian.Uint32(header[1:])
	if length > MaxPayloadSize {
		return nil, &FrameError{Reason: fmt.Sprintf("payload length %d exceeds limit", length)}
	}
	if _, ok := kindNames[kind]; !ok || kind == KindInvalid {
		return nil, &FrameError{Reason: fmt.Sprintf("unknown packet kind %d", header[0])}
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(conn, data); err != nil {
		return nil, fmt.Errorf("failed to read packet payload: %w", err)
	}

	return &Packet{Kind: kind, Data: data}, nil
}

// WritePacket writes a single framed packet to conn, honoring the deadline.
func WritePacket(conn net.Conn, p *Packet, timeout time.Duration) error {
	if timeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return fmt.Errorf("failed to set write deadline: %w", err)
		}
	}

	buf := make([]byte, headerSize+len(p.Data))
	buf[0] = byte(p.Kind)
	binary.BigEndian.PutUint32(buf[1:], uint32(len(p.Data)))
	copy(buf[headerSize:], p.Data)

	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("failed to write packet: %w", err)
	}
	return nil
}

// FrameError reports a malformed frame. The dispatcher answers it with a
// DeserializationFailed response instead of dropping the connection.
type FrameError struct {
	Reason string
}

func (e *FrameError) Error() string {
	return "malformed packet: " + e.Reason
}
