package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/umit/resql/internal/wire"
	"github.com/umit/resql/pkg/logger"
)

// maxWorkersPerConn bounds concurrent request handling on one connection.
const maxWorkersPerConn = 64

// Handler processes one decoded wire message and returns the response
// message. Returning an error drops the connection.
type Handler func(ctx context.Context, msg any) (any, error)

// Server accepts framed connections and dispatches decoded messages to a
// Handler. The same listener serves peers and clients; the message type
// tells them apart.
type Server struct {
	addr    string
	handler Handler
	logger  *slog.Logger

	ln     net.Listener
	wg     sync.WaitGroup
	ctx    context.Context
	cancel func()

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

func NewServer(addr string, handler Handler, l *slog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:    addr,
		handler: handler,
		logger:  l,
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Addr returns the bound listen address. Useful when addr was ":0".
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	s.logger.Info("transport server listening", slog.String("addr", s.Addr()))

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) Stop() error {
	s.cancel()
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.connMu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.connMu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			s.logger.Warn("accept failed", logger.ErrAttr(err))
			continue
		}

		s.connMu.Lock()
		s.conns[conn] = struct{}{}
		s.connMu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer func() {
		conn.Close()
		s.connMu.Lock()
		delete(s.conns, conn)
		s.connMu.Unlock()
		s.wg.Done()
	}()

	var (
		writeMu sync.Mutex
		workers = make(chan struct{}, maxWorkersPerConn)
		wg      sync.WaitGroup
	)

	for {
		requestID, data, err := readFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && s.ctx.Err() == nil {
				s.logger.Debug("connection read failed", logger.ErrAttr(err))
			}
			break
		}

		msg, err := wire.Decode(data)
		if err != nil {
			s.logger.Warn("dropping connection with undecodable frame", logger.ErrAttr(err))
			break
		}

		workers <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() {
				<-workers
				wg.Done()
			}()

			resp, err := s.handler(s.ctx, msg)
			if err != nil {
				s.logger.Warn("handler failed", logger.ErrAttr(err))
				conn.Close()
				return
			}
			out, err := wire.Encode(resp)
			if err != nil {
				s.logger.Error("cannot encode response", logger.ErrAttr(err))
				conn.Close()
				return
			}

			writeMu.Lock()
			err = writeFrame(conn, requestID, out)
			writeMu.Unlock()
			if err != nil {
				s.logger.Debug("response write failed", logger.ErrAttr(err))
				conn.Close()
			}
		}()
	}

	wg.Wait()
}
