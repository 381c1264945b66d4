package minidb

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"go.uber.org/zap"
)

// Server dispatches line-oriented commands from TCP clients into a database.
type Server struct {
	db     *DB
	logger *zap.Logger
}

// NewServer creates a dispatcher for db. It logs through the database logger.
func NewServer(db *DB) *Server {
	return &Server{
		db:     db,
		logger: db.logger,
	}
}

// ListenAndServe listens on addr and serves until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %q: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections and handles each one on its own goroutine until
// the context is cancelled. Connections run to completion; there is no
// per-request timeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.logger.Info("server listening", zap.String("addr", ln.Addr().String()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		go s.handle(conn)
	}
}

// handle reads newline-terminated commands and writes one response line per
// command. Within a connection commands are strictly ordered: the response to
// command N is sent before command N+1 is read.
func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		resp := s.exec(sc.Text())
		if resp == "" {
			// Empty input lines are ignored.
			continue
		}
		if _, err := fmt.Fprintf(conn, "%s\n", resp); err != nil {
			s.logger.Warn("failed to write response", zap.Error(err))
			return
		}
	}
	if err := sc.Err(); err != nil {
		s.logger.Warn("connection read failed", zap.Error(err))
	}
}

// exec runs one command line and returns the response line, or "" when the
// line produced no response.
func (s *Server) exec(line string) string {
	cmd, err := parseCommand(line)
	if err != nil {
		if errors.Is(err, errUnknownCommand) {
			return "Invalid command"
		}
		var invalid *InvalidCommandError
		if errors.As(err, &invalid) {
			return fmt.Sprintf("ERR: InvalidCommand(%s)", invalid.Reason)
		}
		return fmt.Sprintf("ERR: InvalidCommand(%v)", err)
	}
	if cmd == nil {
		return ""
	}
	s.db.metrics.command(cmd.typ.String())

	switch cmd.typ {
	case cmdSet:
		if err := s.db.Set(cmd.key, cmd.value); err != nil {
			return wireError(err, cmd.key)
		}
		return fmt.Sprintf("OK: inserted %s", cmd.key)
	case cmdGet:
		value, err := s.db.Get(cmd.key)
		if err != nil {
			return wireError(err, cmd.key)
		}
		return fmt.Sprintf("%q", value)
	case cmdDelete:
		if err := s.db.Delete(cmd.key); err != nil {
			return wireError(err, cmd.key)
		}
		return "OK: deleted"
	case cmdKeys:
		return fmt.Sprintf("[%s]", strings.Join(s.db.Keys(), ", "))
	}
	return "Invalid command"
}

// wireError renders an error as the "ERR: <kind>" form of the wire protocol.
func wireError(err error, key string) string {
	switch {
	case errors.Is(err, ErrKeyNotFound):
		return fmt.Sprintf("ERR: KeyNotFound(%s)", key)
	case errors.Is(err, ErrWalStore):
		return fmt.Sprintf("ERR: WalStoreFailed(%s)", trimKind(err, ErrWalStore))
	case errors.Is(err, ErrTableRead):
		return fmt.Sprintf("ERR: SSTableReadFailed(%s)", trimKind(err, ErrTableRead))
	case errors.Is(err, ErrTableWrite):
		return fmt.Sprintf("ERR: SSTableWriteFailed(%s)", trimKind(err, ErrTableWrite))
	case errors.Is(err, ErrLoad):
		return fmt.Sprintf("ERR: LoadFailed(%s)", trimKind(err, ErrLoad))
	}
	return fmt.Sprintf("ERR: %v", err)
}

// trimKind strips the sentinel prefix so the wire form carries only the cause.
func trimKind(err error, kind Error) string {
	return strings.TrimPrefix(err.Error(), string(kind)+": ")
}
