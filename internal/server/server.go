// Package server accepts device connections from the BLE bridge and runs
// the management API and the NATS downlink of the gateway.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"medlink/gateway/internal/config"
	"medlink/gateway/internal/log"
	"medlink/gateway/internal/metrics"
	"medlink/gateway/internal/session"
	"medlink/gateway/internal/sink"
)

const (
	helloTimeout = 10 * time.Second
	writeTimeout = 5 * time.Second
	maxHello     = 128
	maxDeviceID  = 64
	readBuffer   = 4096
)

// ErrBadHello is returned for a connection whose first line is not
// "<protocol> <device-id>".
var ErrBadHello = errors.New("bad hello")

// Options collects the collaborators of a Server. Registry, Publisher and
// NATS may be nil.
type Options struct {
	Config    *config.Config
	Logger    *log.Logger
	Metrics   *metrics.Collector
	Registry  *session.Registry
	Publisher sink.Publisher
	NATS      *nats.Conn
}

// TCPServer handles TCP connections from the BLE bridge, one per device.
type TCPServer struct {
	config    *config.Config
	log       *log.Logger
	metrics   *metrics.Collector
	registry  *session.Registry
	publisher sink.Publisher
	nats      *nats.Conn
	sessions  *session.Manager

	listener net.Listener
	http     *http.Server
	conns    sync.Map // map[string]net.Conn
	connSeq  atomic.Int64
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewTCPServer creates a server. Call Start to listen.
func NewTCPServer(opts Options) *TCPServer {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TCPServer{
		config:    opts.Config,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		registry:  opts.Registry,
		publisher: opts.Publisher,
		nats:      opts.NATS,
		sessions:  session.NewManager(opts.Metrics),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Sessions returns the live session manager.
func (s *TCPServer) Sessions() *session.Manager { return s.sessions }

// Start listens for devices and serves the management API and the downlink
// in the background.
func (s *TCPServer) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Gateway.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.log.Info("tcp server listening", map[string]any{"addr": addr})

	if err := s.startHTTPServer(); err != nil {
		ln.Close()
		return err
	}
	if s.nats != nil {
		if err := s.startDownlinkConsumer(); err != nil {
			ln.Close()
			return err
		}
	}
	s.listener = ln
	go s.acceptLoop()
	return nil
}

// Stop closes the listener, every connection and every session.
func (s *TCPServer) Stop() {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(ctx); err != nil {
			s.log.Warn("http shutdown failed", map[string]any{"error": err.Error()})
		}
	}
	s.conns.Range(func(_, v any) bool {
		v.(net.Conn).Close()
		return true
	})
	s.sessions.CloseAll()
	s.wg.Wait()
}

func (s *TCPServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", map[string]any{"error": err.Error()})
			continue
		}

		connID := fmt.Sprintf("%s-%d", s.config.Gateway.ID, s.connSeq.Add(1))
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn, connID)
		}()
	}
}

type hello struct {
	protocol string
	device   string
}

func readHello(r *bufio.Reader) (hello, error) {
	var line []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return hello{}, err
		}
		line = append(line, chunk...)
		if len(line) > maxHello {
			return hello{}, fmt.Errorf("%w: line longer than %d bytes", ErrBadHello, maxHello)
		}
		if !isPrefix {
			break
		}
	}
	fields := strings.Fields(string(line))
	if len(fields) != 2 {
		return hello{}, fmt.Errorf("%w: %q", ErrBadHello, line)
	}
	if len(fields[1]) > maxDeviceID {
		return hello{}, fmt.Errorf("%w: device id longer than %d", ErrBadHello, maxDeviceID)
	}
	return hello{protocol: strings.ToLower(fields[0]), device: fields[1]}, nil
}

func (s *TCPServer) handleConnection(conn net.Conn, connID string) {
	s.conns.Store(connID, conn)
	defer func() {
		s.conns.Delete(connID)
		conn.Close()
	}()

	remote := conn.RemoteAddr().String()
	clog := s.log.With(map[string]any{"conn_id": connID, "remote": remote})
	clog.Debug("new connection", nil)

	reader := bufio.NewReaderSize(conn, readBuffer)
	conn.SetReadDeadline(time.Now().Add(helloTimeout))
	h, err := readHello(reader)
	if err != nil {
		s.metrics.IncHelloRejected()
		clog.Warn("hello rejected", map[string]any{"error": err.Error()})
		return
	}
	spec, err := s.config.Spec(h.protocol)
	if err != nil {
		s.metrics.IncHelloRejected()
		clog.Warn("hello rejected", map[string]any{"error": err.Error(), "protocol": h.protocol})
		return
	}

	sess, err := session.New(session.Config{
		Device:    h.device,
		Protocol:  h.protocol,
		ConnID:    connID,
		Remote:    remote,
		Spec:      spec,
		MaxBuffer: s.config.Engine.MaxBuffer,
		QueueSize: s.config.Gateway.OutboundQueue,
		Publisher: s.publisher,
		Registry:  s.registry,
		Metrics:   s.metrics,
		Logger:    s.log,
	})
	if err != nil {
		s.metrics.IncHelloRejected()
		clog.Error("session setup failed", map[string]any{"error": err.Error()})
		return
	}
	s.sessions.Add(sess)
	go sess.Run(s.ctx)
	defer func() {
		s.sessions.Remove(sess)
		sess.Close()
	}()

	go s.writeLoop(conn, sess, clog)

	buf := make([]byte, readBuffer)
	for {
		if d := s.config.Gateway.ReadTimeout.Duration; d > 0 {
			conn.SetReadDeadline(time.Now().Add(d))
		} else {
			conn.SetReadDeadline(time.Time{})
		}
		n, err := reader.Read(buf)
		if n > 0 {
			if ferr := sess.Feed(s.ctx, buf[:n]); ferr != nil {
				clog.Debug("session ended", map[string]any{"error": ferr.Error()})
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				clog.Info("read failed", map[string]any{"error": err.Error()})
			}
			return
		}
	}
}

// writeLoop drains the outbound queue of sess onto conn.
func (s *TCPServer) writeLoop(conn net.Conn, sess *session.Session, clog *log.Logger) {
	for {
		select {
		case b := <-sess.Outbound():
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := conn.Write(b); err != nil {
				clog.Warn("write failed", map[string]any{"error": err.Error(), "bytes": len(b)})
				conn.Close()
				return
			}
		case <-sess.Done():
			return
		}
	}
}
