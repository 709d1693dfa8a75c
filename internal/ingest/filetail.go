package ingest

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"apipulse/internal/config"
	"apipulse/internal/logging"
	"apipulse/internal/normalize"
)

// StartFileTail follows every configured file, reopening it after
// truncation or rotation.
func StartFileTail(ctx context.Context, cfg *config.Manager, norm *normalize.Normalizer, sink *Sink, logger *slog.Logger) error {
	if logger == nil {
		logger = logging.Discard()
	}
	current := cfg.Get().Ingest.FileTail
	if !current.Enabled {
		logger.Info("file tail ingest disabled")
		return nil
	}
	for _, path := range current.Files {
		parser, err := NewParser(current.Format, norm)
		if err != nil {
			return err
		}
		logger.Info("file tail ingest enabled", "path", path, "start_at_end", current.StartAtEnd, "format", current.Format)
		go tailFile(ctx, path, current.StartAtEnd, parser, sink, logger)
	}
	return nil
}

func tailFile(ctx context.Context, path string, startAtEnd bool, parser Parser, sink *Sink, logger *slog.Logger) {
	var file *os.File
	var offset int64
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if file == nil {
			f, err := os.Open(path)
			if err != nil {
				logger.Warn("tail open failed", "path", path, "err", err)
				if !BackoffSleep(ctx, 500*time.Millisecond) {
					return
				}
				continue
			}
			file = f
			offset = 0
			if startAtEnd {
				if pos, err := file.Seek(0, io.SeekEnd); err == nil {
					offset = pos
				}
			}
		}

		reader := bufio.NewReader(file)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					if !BackoffSleep(ctx, 200*time.Millisecond) {
						_ = file.Close()
						return
					}
					info, statErr := os.Stat(path)
					if statErr == nil && info.Size() < offset {
						_ = file.Close()
						file = nil
						startAtEnd = false
						break
					}
					continue
				}
				logger.Warn("tail read error", "path", path, "err", err)
				_ = file.Close()
				file = nil
				break
			}
			offset += int64(len(line))
			emitLine(ctx, "file_tail", []byte(line), parser, sink, logger)
		}
	}
}
