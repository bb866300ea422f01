// Package worker runs runtime worker subprocesses and speaks the stdio
// JSON-RPC protocol with them. A Conn owns framing and request/response
// correlation for one channel; a Worker owns one subprocess; the Manager
// keeps one Worker per foreign runtime and respawns dead ones on next use.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/trikhub/trikhub/pkg/protocol"
)

// maxFrameBytes bounds one newline-delimited frame. Passthrough payloads
// can be large, so this is generous.
const maxFrameBytes = 32 * 1024 * 1024

// ErrConnClosed reports that the channel went away while a call was
// outstanding, usually because the worker process exited.
var ErrConnClosed = errors.New("worker connection closed")

// RequestHandler answers an inbound request from the peer (worker-side
// storage calls). It runs on its own goroutine per request and must return
// a response for the request's id.
type RequestHandler func(ctx context.Context, req *protocol.Request) *protocol.Response

// Conn frames newline-delimited JSON-RPC over a reader/writer pair and
// correlates responses to outstanding calls by id. Malformed inbound lines
// are logged and dropped without disturbing the channel; responses nobody
// is waiting for (a call that already timed out) are consumed and dropped.
type Conn struct {
	w       io.Writer
	writeMu sync.Mutex

	pendMu  sync.Mutex
	pending map[string]chan *protocol.Response

	handler RequestHandler
	log     *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// NewConn starts the read loop over r and returns the connection. handler
// answers inbound requests; a nil handler rejects them with
// method-not-found.
func NewConn(r io.Reader, w io.Writer, handler RequestHandler, log *slog.Logger) *Conn {
	if log == nil {
		log = slog.Default()
	}
	c := &Conn{
		w:       w,
		pending: make(map[string]chan *protocol.Response),
		handler: handler,
		log:     log,
		closed:  make(chan struct{}),
	}
	go c.readLoop(r)
	return c
}

// Call sends a request and waits for the matching response, the context
// deadline, or connection close, whichever comes first. On timeout the
// pending entry is dropped so a late response is discarded, not delivered.
func (c *Conn) Call(ctx context.Context, method string, params any) (*protocol.Response, error) {
	select {
	case <-c.closed:
		return nil, c.closeError()
	default:
	}

	req := protocol.NewRequest(method, params)
	ch := make(chan *protocol.Response, 1)

	c.pendMu.Lock()
	c.pending[req.ID] = ch
	c.pendMu.Unlock()

	if err := c.writeFrame(req); err != nil {
		c.forget(req.ID)
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		c.forget(req.ID)
		return nil, ctx.Err()
	case <-c.closed:
		c.forget(req.ID)
		return nil, c.closeError()
	}
}

// Respond writes a response frame for an inbound request.
func (c *Conn) Respond(resp *protocol.Response) error {
	return c.writeFrame(resp)
}

// Close tears the connection down with a generic close error.
func (c *Conn) Close() error {
	c.CloseWithError(ErrConnClosed)
	return nil
}

// CloseWithError fails every outstanding call with err and stops accepting
// new ones. Safe to call more than once; the first error wins.
func (c *Conn) CloseWithError(err error) {
	c.closeOnce.Do(func() {
		if err == nil {
			err = ErrConnClosed
		}
		c.closeErr = err
		close(c.closed)
	})
}

// Done is closed when the connection is no longer usable.
func (c *Conn) Done() <-chan struct{} { return c.closed }

func (c *Conn) closeError() error {
	if c.closeErr != nil {
		return c.closeErr
	}
	return ErrConnClosed
}

func (c *Conn) forget(id string) {
	c.pendMu.Lock()
	delete(c.pending, id)
	c.pendMu.Unlock()
}

func (c *Conn) writeFrame(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return c.closeError()
	default:
	}
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *Conn) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		req, resp, err := protocol.ParseMessage(line)
		if err != nil {
			c.log.Warn("worker.frame.invalid", "error", err)
			continue
		}
		if resp != nil {
			c.deliver(resp)
			continue
		}
		go c.serveRequest(req)
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.CloseWithError(fmt.Errorf("%w: %v", ErrConnClosed, err))
}

func (c *Conn) deliver(resp *protocol.Response) {
	c.pendMu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.pendMu.Unlock()
	if !ok {
		// Nobody waiting: the call timed out or was never ours.
		c.log.Debug("worker.response.orphaned", "id", resp.ID)
		return
	}
	ch <- resp
}

func (c *Conn) serveRequest(req *protocol.Request) {
	var resp *protocol.Response
	if c.handler == nil {
		resp = protocol.NewErrorResponse(req.ID, protocol.CodeMethodNotFound,
			fmt.Sprintf("method %q not supported", req.Method), nil)
	} else {
		resp = c.handler(context.Background(), req)
	}
	if resp == nil {
		resp = protocol.NewErrorResponse(req.ID, protocol.CodeInternalError, "handler returned nothing", nil)
	}
	if err := c.Respond(resp); err != nil {
		c.log.Warn("worker.respond.failed", "id", req.ID, "error", err)
	}
}

// decodeParams re-marshals loosely-typed request params into a concrete
// shape. Inbound params arrive as map[string]any from the JSON layer.
func decodeParams(params any, out any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}
