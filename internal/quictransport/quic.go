// Package quictransport carries protocol envelopes over a single
// bidirectional QUIC stream.
package quictransport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/sheerbytes/termxfer/pkg/protocol"
)

// ALPNPrefix identifies the transfer protocol during the TLS handshake. The
// codec name follows it, so the handshake also settles the wire codec.
const ALPNPrefix = "termxfer-v1+"

// ALPN returns the protocol name that selects codec.
func ALPN(codec protocol.Codec) string {
	return ALPNPrefix + codec.Name()
}

func codecForALPN(proto string) (protocol.Codec, error) {
	name, ok := strings.CutPrefix(proto, ALPNPrefix)
	if !ok {
		return nil, fmt.Errorf("unexpected ALPN %q", proto)
	}
	return protocol.CodecByName(name)
}

// ServerTLSConfig returns a TLS configuration with a freshly generated
// self-signed certificate.
func ServerTLSConfig() (*tls.Config, error) {
	cert, err := selfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPN(protocol.JSON), ALPN(protocol.Msgpack)},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// ClientTLSConfig returns the client TLS configuration offering codec.
// xferd certificates are self-signed, so insecure must be set unless the
// system roots trust the server.
func ClientTLSConfig(insecure bool, codec protocol.Codec) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: insecure,
		NextProtos:         []string{ALPN(codec)},
		MinVersion:         tls.VersionTLS13,
	}
}

// DefaultConfig returns the QUIC settings shared by both sides. One stream
// carries the whole session, so the windows only need to cover a few
// chunks in flight.
func DefaultConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 60 * time.Second,
		MaxIncomingStreams:             4,
		InitialStreamReceiveWindow:     8 * 1024 * 1024,
		MaxStreamReceiveWindow:         16 * 1024 * 1024,
		InitialConnectionReceiveWindow: 8 * 1024 * 1024,
		MaxConnectionReceiveWindow:     16 * 1024 * 1024,
	}
}

func selfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"termxfer"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

// Listen starts a QUIC listener on addr.
func Listen(addr string, logger *slog.Logger) (*quic.Listener, error) {
	tlsConf, err := ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, DefaultConfig())
	if err != nil {
		logger.Error("QUIC listen failed", "error", err, "addr", addr)
		return nil, err
	}
	logger.Info("QUIC listener created", "local_addr", ln.Addr())
	return ln, nil
}

// Dial connects to addr and opens the session stream.
func Dial(ctx context.Context, addr string, insecure bool, codec protocol.Codec, logger *slog.Logger) (*StreamConn, error) {
	if codec == nil {
		codec = protocol.JSON
	}
	conn, err := quic.DialAddr(ctx, addr, ClientTLSConfig(insecure, codec), DefaultConfig())
	if err != nil {
		logger.Error("QUIC dial failed", "error", err, "remote_addr", addr)
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, fmt.Errorf("open QUIC stream: %w", err)
	}
	logger.Info("QUIC connection established", "remote_addr", addr, "stream_id", stream.StreamID())
	sc := newStreamConn(stream, codec, logger, func() error { return conn.CloseWithError(0, "") })
	sc.remote = conn.RemoteAddr().String()
	return sc, nil
}

// Accept waits for the next connection on ln and its session stream. The
// codec is the one the client asked for during the handshake.
func Accept(ctx context.Context, ln *quic.Listener, logger *slog.Logger) (*StreamConn, error) {
	conn, err := ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	codec, err := codecForALPN(conn.ConnectionState().TLS.NegotiatedProtocol)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, fmt.Errorf("accept QUIC stream: %w", err)
	}
	logger.Debug("QUIC stream accepted", "remote_addr", conn.RemoteAddr(), "stream_id", stream.StreamID(), "codec", codec.Name())
	sc := newStreamConn(stream, codec, logger, func() error { return conn.CloseWithError(0, "") })
	sc.remote = conn.RemoteAddr().String()
	return sc, nil
}
