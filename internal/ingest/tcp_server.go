package ingest

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// TCPServerConfig holds configuration for the TCP intake server.
type TCPServerConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"`
	TLSEnabled     bool          `yaml:"tls_enabled"`
	TLSCertFile    string        `yaml:"tls_cert_file"`
	TLSKeyFile     string        `yaml:"tls_key_file"`
	MaxConnections int           `yaml:"max_connections"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxLineLength  int           `yaml:"max_line_length"`
}

// DefaultTCPServerConfig returns the default TCP server configuration.
func DefaultTCPServerConfig() TCPServerConfig {
	return TCPServerConfig{
		Address:        ":5515",
		MaxConnections: 1000,
		IdleTimeout:    5 * time.Minute,
		MaxLineLength:  65535,
	}
}

// TCPServerMetrics holds metrics for the TCP server.
type TCPServerMetrics struct {
	Connections uint64 `json:"connections"`
	Received    uint64 `json:"received"`
	Submitted   uint64 `json:"submitted"`
	Errors      uint64 `json:"errors"`
}

// TCPServer receives newline-delimited JSON events over TCP.
type TCPServer struct {
	config   TCPServerConfig
	listener net.Listener
	pipeline Pipeline

	connCount int32
	wg        sync.WaitGroup
	done      chan struct{}

	// Metrics
	connections uint64
	received    uint64
	submitted   uint64
	errors      uint64
}

// NewTCPServer creates a TCP server feeding the pipeline.
func NewTCPServer(cfg TCPServerConfig, pipeline Pipeline) *TCPServer {
	return &TCPServer{
		config:   cfg,
		pipeline: pipeline,
		done:     make(chan struct{}),
	}
}

// Start starts the TCP server.
func (s *TCPServer) Start(ctx context.Context) error {
	var listener net.Listener
	var err error

	if s.config.TLSEnabled {
		cert, err := tls.LoadX509KeyPair(s.config.TLSCertFile, s.config.TLSKeyFile)
		if err != nil {
			return err
		}

		tlsConfig := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}

		listener, err = tls.Listen("tcp", s.config.Address, tlsConfig)
		if err != nil {
			return err
		}
	} else {
		listener, err = net.Listen("tcp", s.config.Address)
		if err != nil {
			return err
		}
	}

	s.listener = listener

	slog.Info("TCP server started",
		"address", s.config.Address,
		"tls", s.config.TLSEnabled,
	)

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	return nil
}

func (s *TCPServer) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		// Set accept deadline to allow periodic context checks
		if tcpListener, ok := s.listener.(*net.TCPListener); ok {
			tcpListener.SetDeadline(time.Now().Add(100 * time.Millisecond))
		}

		conn, err := s.listener.Accept()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-s.done:
				return
			default:
				slog.Debug("TCP accept error", "error", err)
				continue
			}
		}

		if atomic.LoadInt32(&s.connCount) >= int32(s.config.MaxConnections) {
			slog.Warn("max connections reached, rejecting")
			conn.Close()
			continue
		}

		atomic.AddInt32(&s.connCount, 1)
		atomic.AddUint64(&s.connections, 1)

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *TCPServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer atomic.AddInt32(&s.connCount, -1)
	defer conn.Close()

	var sourceIP string
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		sourceIP = tcpAddr.IP.String()
	} else {
		sourceIP = conn.RemoteAddr().String()
	}

	slog.Debug("new TCP connection", "remote", conn.RemoteAddr())

	reader := bufio.NewReaderSize(conn, s.config.MaxLineLength)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))

		// Events are newline-delimited JSON objects
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				return
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return // Idle timeout
			}
			slog.Debug("TCP read error", "error", err)
			return
		}

		atomic.AddUint64(&s.received, 1)

		s.processLine(ctx, line, sourceIP)
	}
}

func (s *TCPServer) processLine(ctx context.Context, line []byte, sourceIP string) {
	var input EventInput
	if err := json.Unmarshal(line, &input); err != nil {
		atomic.AddUint64(&s.errors, 1)
		slog.Debug("event decode error",
			"error", err,
			"source", sourceIP,
		)
		return
	}

	event := convertInput(input)
	if event.Source == "" {
		event.Source = sourceIP
	}

	if err := s.pipeline.SubmitEvent(ctx, event); err != nil {
		atomic.AddUint64(&s.errors, 1)
		slog.Debug("event submit error",
			"error", err,
			"source", sourceIP,
		)
		return
	}

	atomic.AddUint64(&s.submitted, 1)
}

// Stop stops the TCP server gracefully.
func (s *TCPServer) Stop() {
	close(s.done)
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	slog.Info("TCP server stopped",
		"connections", atomic.LoadUint64(&s.connections),
		"received", atomic.LoadUint64(&s.received),
		"submitted", atomic.LoadUint64(&s.submitted),
		"errors", atomic.LoadUint64(&s.errors),
	)
}

// Metrics returns the current server metrics.
func (s *TCPServer) Metrics() TCPServerMetrics {
	return TCPServerMetrics{
		Connections: atomic.LoadUint64(&s.connections),
		Received:    atomic.LoadUint64(&s.received),
		Submitted:   atomic.LoadUint64(&s.submitted),
		Errors:      atomic.LoadUint64(&s.errors),
	}
}

// ActiveConnections returns the number of currently active connections.
func (s *TCPServer) ActiveConnections() int {
	return int(atomic.LoadInt32(&s.connCount))
}
