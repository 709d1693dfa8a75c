package ingest

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"

	"apipulse/internal/config"
	"apipulse/internal/logging"
	"apipulse/internal/normalize"
)

// StartTCPStream accepts newline delimited records on the configured
// address until ctx ends. It returns once the listener is up.
func StartTCPStream(ctx context.Context, cfg *config.Manager, norm *normalize.Normalizer, sink *Sink, logger *slog.Logger) error {
	if logger == nil {
		logger = logging.Discard()
	}
	current := cfg.Get().Ingest.TCPStream
	if !current.Enabled {
		logger.Info("tcp stream ingest disabled")
		return nil
	}
	if _, err := NewParser(current.Format, norm); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", current.Addr)
	if err != nil {
		return err
	}
	logger.Info("tcp stream ingest enabled", "addr", ln.Addr().String(), "format", current.Format)
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				logger.Warn("tcp stream accept error", "err", err)
				continue
			}
			// One parser per connection keeps a CSV header local to its stream.
			parser, _ := NewParser(current.Format, norm)
			go handleTCPStreamConn(ctx, conn, parser, sink, logger)
		}
	}()
	return nil
}

func handleTCPStreamConn(ctx context.Context, conn net.Conn, parser Parser, sink *Sink, logger *slog.Logger) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 8192), 1024*1024)
	for scanner.Scan() {
		emitLine(ctx, "tcp_stream", scanner.Bytes(), parser, sink, logger)
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("tcp stream scanner error", "remote", conn.RemoteAddr().String(), "err", err)
	}
}

func emitLine(ctx context.Context, source string, line []byte, parser Parser, sink *Sink, logger *slog.Logger) {
	if len(line) == 0 {
		return
	}
	recs, err := parser.Parse(line)
	if err != nil {
		logger.Debug("unparsable line", "source", source, "err", err)
		return
	}
	sink.Emit(ctx, source, recs)
}
