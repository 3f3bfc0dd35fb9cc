// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"
)

// ClientConfig gathers the configuration surface common to every
// transport a Client can run over: network address, retry/reconnect
// policy, serial line parameters, and optional TLS material. Not every
// field applies to every transport; NewClientFromConfig picks the ones
// relevant to cfg.Network and ignores the rest.
type ClientConfig struct {
	// Network selects the transport: "tcp", "tls", "rtuovertcp",
	// "asciiovertcp", "rtuoverudp", "rtu", or "ascii".
	Network string

	// Host, Port and SourceAddress apply to the TCP/UDP-backed networks.
	// Host+Port are joined with net.JoinHostPort; SourceAddress, if set,
	// binds the local end of the dial for "tcp" and "tls" only.
	Host          string
	Port          int
	SourceAddress string

	// Timeout bounds both connect and per-request wait for "tcp" and
	// "tls", and sets the serial port timeout for "rtu"/"ascii". It is not
	// applied to "rtuovertcp", "asciiovertcp" or "rtuoverudp".
	Timeout time.Duration

	// Retries is the number of additional attempts after the first
	// fails, per spec §4.3.
	Retries int
	// RetryOnEmpty is carried in the configuration only: NewClientFromConfig
	// does not read it, and a zero-length response is handled the same
	// whether it is set or not.
	RetryOnEmpty bool
	// BroadcastEnable is carried in the configuration only:
	// NewClientFromConfig does not read it, and a request addressed to
	// unit 0 is sent as a broadcast whether it is set or not.
	BroadcastEnable bool

	// ReconnectDelay and ReconnectDelayMax bound the backoff a caller
	// should use between reconnect attempts after a connection is lost;
	// the client itself does not loop on these — callers drive their own
	// reconnect loop and may consult them for pacing.
	ReconnectDelay    time.Duration
	ReconnectDelayMax time.Duration

	// HandleLocalEcho names the half-duplex RS-485 option of discarding
	// the adapter's echo of its own transmission. It is carried in the
	// configuration only: NewClientFromConfig does not read it, and no
	// serial handler discards echoed bytes.
	HandleLocalEcho bool

	// BaudRate, ByteSize, Parity ("N", "E", "O") and StopBits configure
	// the serial line for "rtu"/"ascii" networks.
	BaudRate int
	ByteSize int
	Parity   string
	StopBits int

	// TLS material. CertFile/KeyFile/Password load a client certificate;
	// ServerHostname sets the SNI/verification name on the configuration
	// built from CertFile/KeyFile (e.g. when connecting by IP) and is not
	// applied otherwise. SSLContext, if set, is used as-is and takes
	// precedence over CertFile/KeyFile.
	SSLContext     *tls.Config
	CertFile       string
	KeyFile        string
	Password       string
	ServerHostname string
}

// dialAddress joins Host and Port the way net.Dial expects.
func (c *ClientConfig) dialAddress() string {
	if c.Port == 0 {
		return c.Host
	}
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

// tlsConfig resolves the TLS configuration to use, loading a client
// certificate from CertFile/KeyFile if SSLContext was not supplied
// directly. Password is accepted for parity with the configuration
// surface described in spec §6; encrypted PEM key files are not
// supported by crypto/tls and are rejected explicitly rather than
// silently ignoring Password.
func (c *ClientConfig) tlsConfig() (*tls.Config, error) {
	if c.SSLContext != nil {
		return c.SSLContext, nil
	}
	if c.CertFile == "" && c.KeyFile == "" {
		return nil, nil
	}
	if c.Password != "" {
		return nil, fmt.Errorf("modbus: encrypted key files are not supported; decrypt %s before use", c.KeyFile)
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("modbus: loading client certificate: %w", err)
	}
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	if c.ServerHostname != "" {
		cfg.ServerName = c.ServerHostname
	}
	return cfg, nil
}

// dialer builds a DialFunc that honors SourceAddress, if set.
func (c *ClientConfig) dialer() DialFunc {
	d := net.Dialer{Timeout: c.Timeout}
	if c.SourceAddress != "" {
		d.LocalAddr = &net.TCPAddr{IP: net.ParseIP(c.SourceAddress)}
	}
	return d.DialContext
}

// NewClientFromConfig builds a ClientHandler and Client for cfg.Network,
// wiring retry policy and, for "tls", TLS material into the handler. The
// returned ClientHandler is also returned directly so callers that need
// Connect/Close (e.g. to pool connections) don't have to type-assert.
func NewClientFromConfig(cfg *ClientConfig) (Client, ClientHandler, error) {
	var handler ClientHandler

	switch cfg.Network {
	case "tcp":
		h := NewTCPClientHandler(cfg.dialAddress(), WithDialer(cfg.dialer()))
		if cfg.Timeout > 0 {
			h.Timeout = cfg.Timeout
		}
		handler = h
	case "tls":
		tlsCfg, err := cfg.tlsConfig()
		if err != nil {
			return nil, nil, err
		}
		h := NewTLSClientHandler(cfg.dialAddress(), tlsCfg)
		h.Dial = cfg.dialer()
		if cfg.Timeout > 0 {
			h.Timeout = cfg.Timeout
		}
		handler = h
	case "rtuovertcp":
		handler = NewRTUOverTCPClientHandler(cfg.dialAddress())
	case "asciiovertcp":
		handler = NewASCIIOverTCPClientHandler(cfg.dialAddress())
	case "rtuoverudp":
		handler = NewRTUOverUDPClientHandler(cfg.dialAddress())
	case "rtu":
		h := NewRTUClientHandler(cfg.Host)
		applySerialConfig(&h.rtuSerialTransporter.serialPort, cfg)
		handler = h
	case "ascii":
		h := NewASCIIClientHandler(cfg.Host)
		applySerialConfig(&h.asciiSerialTransporter.serialPort, cfg)
		handler = h
	default:
		return nil, nil, fmt.Errorf("modbus: unknown network %q", cfg.Network)
	}

	client := NewClient(handler, WithRetries(cfg.Retries))
	return client, handler, nil
}

func applySerialConfig(port *serialPort, cfg *ClientConfig) {
	if cfg.BaudRate > 0 {
		port.BaudRate = cfg.BaudRate
	}
	if cfg.ByteSize > 0 {
		port.DataBits = cfg.ByteSize
	}
	if cfg.Parity != "" {
		port.Parity = cfg.Parity
	}
	if cfg.StopBits > 0 {
		port.StopBits = cfg.StopBits
	}
	if cfg.Timeout > 0 {
		port.Timeout = cfg.Timeout
	}
}

// loadCAPool builds a verification pool from a PEM file. It is
// unexported, and nothing in this module calls it.
func loadCAPool(certFile string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(certFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("modbus: no certificates found in %s", certFile)
	}
	return pool, nil
}
