package traci

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// conn is one TraCI client connection. Requests are strictly
// request/response; the mutex keeps concurrent callers from interleaving.
type conn struct {
	mu      sync.Mutex
	c       net.Conn
	timeout time.Duration
}

func newConn(c net.Conn, timeout time.Duration) *conn {
	return &conn{c: c, timeout: timeout}
}

// do sends one command and returns a reader positioned after its
// successful status response.
func (c *conn) do(cmdID byte, cmd []byte) (*reader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timeout > 0 {
		_ = c.c.SetDeadline(time.Now().Add(c.timeout))
	}
	if _, err := c.c.Write(message(cmd)); err != nil {
		return nil, fmt.Errorf("traci: write: %w", err)
	}

	var head [4]byte
	if _, err := io.ReadFull(c.c, head[:]); err != nil {
		return nil, fmt.Errorf("traci: read length: %w", err)
	}
	total := int(binary.BigEndian.Uint32(head[:]))
	if total < 4 {
		return nil, errShortMessage
	}
	payload := make([]byte, total-4)
	if _, err := io.ReadFull(c.c, payload); err != nil {
		return nil, fmt.Errorf("traci: read payload: %w", err)
	}

	r := &reader{b: payload}
	if err := r.status(cmdID); err != nil {
		return nil, err
	}
	return r, nil
}

func (c *conn) close() error {
	return c.c.Close()
}
