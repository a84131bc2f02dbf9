package eventlog

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"sync"
	"time"

	"liftdispatch/src/types"

	quic "github.com/quic-go/quic-go"
)

const (
	quicALPN = "liftdispatch-events"
	// FrameSize is the fixed size of one event on the wire; payloads are zero-padded.
	FrameSize         = 1024
	writeTimeout      = time.Second
	openStreamTimeout = 2 * time.Second
)

func serverTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("rsa key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, fmt.Errorf("serial: %w", err)
	}
	certTmpl := &x509.Certificate{
		SerialNumber:          serial,
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, certTmpl, certTmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create cert: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		NextProtos:   []string{quicALPN},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func clientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{quicALPN},
		MinVersion:         tls.VersionTLS13,
	}
}

func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > FrameSize {
		return fmt.Errorf("payload too large: %d > %d", len(payload), FrameSize)
	}
	frame := make([]byte, FrameSize)
	copy(frame, payload)

	if d, ok := w.(interface{ SetWriteDeadline(time.Time) error }); ok {
		_ = d.SetWriteDeadline(time.Now().Add(writeTimeout))
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// readFrames decodes frames from r until EOF and passes each event to handle.
func readFrames(r io.Reader, handle func(types.LogEvent)) error {
	buf := make([]byte, FrameSize)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}
		var ev types.LogEvent
		if err := json.Unmarshal(bytes.TrimRight(buf, "\x00"), &ev); err != nil {
			slog.Warn("Discarding malformed event frame", "err", err)
			continue
		}
		handle(ev)
	}
}

// QUICSink forwards events to a remote Collector over one QUIC stream. The connection is
// dialled on first use and re-dialled after a failed write.
type QUICSink struct {
	addr     string
	quicConf *quic.Config

	mu     sync.Mutex
	conn   *quic.Conn
	stream *quic.Stream
}

func NewQUICSink(addr string) *QUICSink {
	return &QUICSink{
		addr:     addr,
		quicConf: &quic.Config{KeepAlivePeriod: 5 * time.Second},
	}
}

func (s *QUICSink) RecordEvent(ctx context.Context, ev types.LogEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		if err := s.dial(ctx); err != nil {
			return fmt.Errorf("%w: %w", ErrSinkUnavailable, err)
		}
	}
	if err := writeFrame(s.stream, payload); err != nil {
		s.reset("write failed")
		return fmt.Errorf("%w: %w", ErrSinkUnavailable, err)
	}
	return nil
}

func (s *QUICSink) dial(ctx context.Context) error {
	conn, err := quic.DialAddr(ctx, s.addr, clientTLSConfig(), s.quicConf)
	if err != nil {
		return fmt.Errorf("quic dial %s: %w", s.addr, err)
	}
	stCtx, cancel := context.WithTimeout(ctx, openStreamTimeout)
	defer cancel()
	stream, err := conn.OpenStreamSync(stCtx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream failed")
		return fmt.Errorf("open stream: %w", err)
	}
	s.conn, s.stream = conn, stream
	slog.Info("Connected to event collector", "addr", s.addr)
	return nil
}

func (s *QUICSink) reset(reason string) {
	if s.stream != nil {
		_ = s.stream.Close()
	}
	if s.conn != nil {
		_ = s.conn.CloseWithError(0, reason)
	}
	s.conn, s.stream = nil, nil
}

func (s *QUICSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset("bye")
	return nil
}

// Collector accepts QUICSink connections and writes the received events to a local Sink.
type Collector struct {
	ln *quic.Listener
}

func ListenCollector(addr string) (*Collector, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("server tls config: %w", err)
	}
	ln, err := quic.ListenAddr(addr, tlsConf, &quic.Config{KeepAlivePeriod: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("quic listen: %w", err)
	}
	return &Collector{ln: ln}, nil
}

func (c *Collector) Addr() net.Addr {
	return c.ln.Addr()
}

// Serve blocks until ctx is done, storing every received event in sink.
func (c *Collector) Serve(ctx context.Context, sink Sink) error {
	go func() {
		<-ctx.Done()
		c.ln.Close()
	}()
	for {
		conn, err := c.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("quic accept: %w", err)
		}
		slog.Info("Event source connected", "remote", conn.RemoteAddr())
		go c.handleConn(ctx, conn, sink)
	}
}

func (c *Collector) handleConn(ctx context.Context, conn *quic.Conn, sink Sink) {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			slog.Debug("Event source gone", "remote", conn.RemoteAddr(), "err", err)
			return
		}
		go func(st *quic.Stream) {
			err := readFrames(st, func(ev types.LogEvent) {
				if err := sink.RecordEvent(ctx, ev); err != nil {
					slog.Warn("Collector sink failed", "seq", ev.Seq, "err", err)
				}
			})
			if err != nil {
				slog.Debug("Event stream closed", "remote", conn.RemoteAddr(), "err", err)
			}
		}(stream)
	}
}

func (c *Collector) Close() error {
	return c.ln.Close()
}
