// Package server implements the slave side of the Modbus protocol: it
// accepts connections, decodes request frames, dispatches them against a
// datastore.ServerContext, and writes back encoded responses.
package server

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/modbuscore/modbus"
	"github.com/modbuscore/modbus/datastore"
)

// Server listens on a stream transport and answers decoded requests
// against Context using Registry to dispatch by function code. One
// Server can run multiple listeners (e.g. a primary TCP port and a TLS
// port) sharing the same Context and Registry.
type Server struct {
	// Framer is the wire format to decode incoming bytes with and
	// encode outgoing responses in: TCPFramer for Modbus/TCP, RTUFramer
	// for serial, ASCIIFramer for Modbus ASCII.
	Framer modbus.Framer
	// Registry maps function code to request decoder; defaults to
	// modbus.NewRegistry() (the mandatory Application Protocol codes)
	// if nil.
	Registry *modbus.Registry
	// Context answers requests; required.
	Context *datastore.ServerContext
	// Logger receives per-connection diagnostics; nil discards them.
	Logger *slog.Logger

	mu        sync.Mutex
	listeners []net.Listener
	wg        sync.WaitGroup
}

// ListenAndServe listens on network/address (e.g. "tcp", "localhost:502")
// and serves connections until ctx is canceled or Close is called. It
// blocks; call it in its own goroutine for a non-blocking server.
func (s *Server) ListenAndServe(ctx context.Context, network, address string) error {
	l, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

// Serve accepts connections from l until ctx is canceled or Close is
// called, dispatching each to its own goroutine.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	registry := s.Registry
	if registry == nil {
		registry = modbus.NewRegistry()
	}

	s.wg.Add(1)
	defer s.wg.Done()

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return err
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn, registry)
		}()
	}
}

// Close stops every listener Serve is currently running and waits for
// in-flight connections to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	for _, l := range s.listeners {
		if cerr := l.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	s.listeners = nil
	s.wg.Wait()
	return err
}

const readBufferSize = 8192

// handle owns one connection end to end: reads bytes, feeds them to
// Framer.Decode, dispatches whatever PDUs come out, and writes encoded
// responses back. Grounded on the teacher pack's server read loop shape
// (GoAethereal-modbus's Server.handle): accumulate into a growing
// buffer, decode as many frames as are ready, then read more.
func (s *Server) handle(ctx context.Context, conn net.Conn, registry *modbus.Registry) {
	defer conn.Close()

	buf := make([]byte, 0, readBufferSize)
	chunk := make([]byte, readBufferSize)

	for {
		n, err := conn.Read(chunk)
		if err != nil {
			s.logf("modbus: connection closed: %v", err)
			return
		}
		buf = append(buf, chunk[:n]...)

		for {
			used, tid, deviceID, pdu := s.Framer.Decode(buf)
			if used == 0 {
				break
			}
			buf = buf[used:]
			if len(pdu) == 0 {
				continue
			}
			if resp := s.dispatch(registry, deviceID, pdu); resp != nil {
				adu, err := s.Framer.Encode(resp, deviceID, tid)
				if err != nil {
					s.logf("modbus: encoding response: %v", err)
					continue
				}
				if _, err := conn.Write(adu); err != nil {
					s.logf("modbus: writing response: %v", err)
					return
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (s *Server) logf(format string, v ...interface{}) {
	if s.Logger != nil {
		s.Logger.Debug(format, "details", v)
	}
}
