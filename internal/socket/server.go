// Package socket implements the Core↔Host-agent control socket (§6): a
// Unix domain socket carrying length-prefixed framed JSON requests from a
// plugin process to the Plugin Runtime Bridge, and framed JSON responses
// back.
//
// Grounded on agent/internal/connection/manager.go's concurrent accept
// structure — that file runs a heartbeat loop and a job-stream loop
// concurrently per connection via a shared errCh; here every accepted
// connection gets its own goroutine instead (a UDS server has many
// concurrent plugin clients, not one long-lived stream), but the shape of
// "run a per-connection loop until it errors or the context is
// cancelled, log and move on" is the same.
package socket

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"
)

// maxFrameBytes bounds a single request/response frame to guard against a
// misbehaving client declaring an absurd length prefix.
const maxFrameBytes = 64 << 20 // 64MB

// Request is one framed call from a plugin.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is one framed reply to a plugin.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Handler resolves one method call into a result value (marshaled to
// Response.Result) or an error (rendered to Response.Error).
type Handler interface {
	Handle(ctx context.Context, method string, params json.RawMessage) (any, error)
}

// Server accepts plugin connections on a Unix domain socket and dispatches
// each framed request to a Handler.
type Server struct {
	path    string
	handler Handler
	logger  *zap.Logger

	mu       sync.Mutex
	listener net.Listener
}

// New returns a Server listening at socketPath once Serve is called.
func New(socketPath string, handler Handler, logger *zap.Logger) *Server {
	return &Server{
		path:    socketPath,
		handler: handler,
		logger:  logger.Named("socket"),
	}
}

// Serve listens on the configured socket path and accepts connections
// until ctx is cancelled. A stale socket file from a previous, uncleanly
// terminated run is removed before binding — matching the single-writer,
// single-listener assumption of a host-local control socket.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.RemoveAll(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("socket: remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("socket: listen: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.logger.Info("listening", zap.String("path", s.path))

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				wg.Wait()
				return nil
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

// serveConn reads framed requests from one connection until it closes or
// ctx is cancelled, dispatching each to the handler and writing back a
// framed response.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	r := bufio.NewReader(conn)
	for {
		req, err := readFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.logger.Debug("connection read error", zap.Error(err))
			}
			return
		}

		var rpc Request
		if err := json.Unmarshal(req, &rpc); err != nil {
			writeFrame(conn, mustMarshal(Response{Error: fmt.Sprintf("socket: malformed request: %v", err)}))
			continue
		}

		result, err := s.handler.Handle(ctx, rpc.Method, rpc.Params)
		resp := Response{ID: rpc.ID}
		if err != nil {
			resp.Error = err.Error()
		} else if result != nil {
			data, merr := json.Marshal(result)
			if merr != nil {
				resp.Error = fmt.Sprintf("socket: marshal result: %v", merr)
			} else {
				resp.Result = data
			}
		}

		if err := writeFrame(conn, mustMarshal(resp)); err != nil {
			s.logger.Debug("connection write error", zap.Error(err))
			return
		}
	}
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Response/Request only ever contain json.RawMessage and strings;
		// a marshal failure here would mean those types broke.
		panic(fmt.Sprintf("socket: marshal invariant violated: %v", err))
	}
	return data
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("socket: frame of %d bytes exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
