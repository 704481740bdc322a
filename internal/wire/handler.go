package wire

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/chatrelay/chatrelay/internal/relay"
	"github.com/chatrelay/chatrelay/pkg/errutil"
)

const (
	// outboundBuffer is the per-connection queue between broadcast fan-out
	// and this connection's writer. A peer that stops reading fills the
	// queue and gets dropped; it must never stall delivery to anyone else.
	outboundBuffer = 100

	// writeTimeout bounds a single frame write; a timeout is treated as a
	// disconnect.
	writeTimeout = 10 * time.Second
)

// lineConn adapts a net.Conn to relay.Conn: one JSON object per line for
// live messages, one JSON array line for the history snapshot. Send and
// SendHistory only enqueue; a single writer goroutine drains the queue, so
// frames stay whole and a slow peer blocks only its own writer.
type lineConn struct {
	conn   net.Conn
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newLineConn(conn net.Conn) *lineConn {
	c := &lineConn{
		conn:   conn,
		out:    make(chan []byte, outboundBuffer),
		closed: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *lineConn) Send(msg relay.Message) error {
	data, err := relay.EncodeMessage(msg)
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

func (c *lineConn) SendHistory(msgs []relay.Message) error {
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("failed to encode history snapshot: %w", err)
	}
	return c.enqueue(data)
}

// enqueue hands a frame to the writer without blocking. A full queue means
// the peer is not keeping up; the caller treats the error as a disconnect.
func (c *lineConn) enqueue(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}

	select {
	case c.out <- data:
		return nil
	case <-c.closed:
		return errors.New("connection closed")
	default:
		return errors.New("outbound queue full, peer not reading")
	}
}

func (c *lineConn) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case data := <-c.out:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if _, err := c.conn.Write(append(data, '\n')); err != nil {
				slog.Debug("connection write failed", "error", err)
				_ = c.Close()
				return
			}
		}
	}
}

// Close tears down the connection; closing the underlying conn also unblocks
// a writer stuck mid-write. Safe to call more than once.
func (c *lineConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// ConnHandler handles a single client connection: register, snapshot, then
// read submissions until the connection ends.
type ConnHandler struct {
	conn     net.Conn
	reader   *bufio.Reader
	svc      *relay.Service
	registry *relay.Registry
	connID   ulid.ULID
}

// NewConnHandler creates a new handler.
func NewConnHandler(conn net.Conn, svc *relay.Service, registry *relay.Registry) *ConnHandler {
	return &ConnHandler{
		conn:     conn,
		reader:   bufio.NewReader(conn),
		svc:      svc,
		registry: registry,
		connID:   relay.NewConnID(),
	}
}

// Handle processes the connection until closed. Any transport error is
// treated as a graceful disconnect: deregister and close, never fatal.
func (h *ConnHandler) Handle(ctx context.Context) {
	lc := newLineConn(h.conn)
	defer func() {
		h.registry.Remove(h.connID)
		if err := lc.Close(); err != nil {
			slog.Debug("error closing connection", "conn_id", h.connID.String(), "error", err)
		}
	}()

	// The snapshot goes to this one connection only, before it is
	// registered for live traffic, so history always precedes any live
	// broadcast the client observes. This path never touches the bus.
	snapshot, err := h.svc.Snapshot(ctx)
	if err != nil {
		errutil.LogWarn(slog.Default(), "history snapshot failed on connect", err)
	} else if len(snapshot) > 0 {
		if err := lc.SendHistory(snapshot); err != nil {
			slog.Debug("failed to send history snapshot",
				"conn_id", h.connID.String(),
				"error", err,
			)
			return
		}
	}

	h.registry.Add(h.connID, lc)

	lineCh := make(chan string)
	errCh := make(chan error, 1)

	go func() {
		for {
			line, err := h.reader.ReadString('\n')
			if err != nil {
				errCh <- err
				return
			}
			select {
			case lineCh <- strings.TrimSpace(line):
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case err := <-errCh:
			if !errors.Is(err, io.EOF) {
				slog.Debug("connection read error",
					"conn_id", h.connID.String(),
					"error", err,
				)
			}
			return

		case line := <-lineCh:
			h.processLine(ctx, line)
		}
	}
}

// processLine decodes one submission and hands it to ingest. Malformed
// lines are dropped without any signal to the sender; the transport is
// fire-and-forget.
func (h *ConnHandler) processLine(ctx context.Context, line string) {
	if line == "" {
		return
	}

	msg, err := relay.DecodeMessage([]byte(line))
	if err != nil {
		slog.Debug("dropping malformed submission",
			"conn_id", h.connID.String(),
			"error", err,
		)
		return
	}

	h.svc.Submit(ctx, msg)
}
