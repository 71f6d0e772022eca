package api

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/runway/pkg/errdefs"
	"github.com/labstack/echo/v4"
	"github.com/spf13/afero"
)

const (
	defaultTailLines = 100
	followInterval   = 500 * time.Millisecond
)

// handleLogs serves the tail of the server log. With follow=true the
// response stays open and new lines are flushed as they are written.
func (s *Server) handleLogs(c echo.Context) error {
	if s.cfg.LogFile == "" {
		return fmt.Errorf("server log file not configured: %w", errdefs.ErrNotFound)
	}

	lines := defaultTailLines
	if v := c.QueryParam("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("lines must be a non-negative integer: %w", errdefs.ErrInvalidArgument)
		}
		lines = n
	}

	f, err := s.cfg.FS.Open(s.cfg.LogFile)
	if err != nil {
		return fmt.Errorf("server log %s: %w", s.cfg.LogFile, errdefs.ErrNotFound)
	}
	defer f.Close()

	tail, offset, err := tailLines(f, lines)
	if err != nil {
		return err
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, echo.MIMETextPlainCharsetUTF8)
	w.WriteHeader(http.StatusOK)
	for _, line := range tail {
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return nil
		}
	}
	w.Flush()

	if !queryBool(c, "follow") {
		return nil
	}
	return s.follow(c, f, offset)
}

// tailLines returns the last n lines of f and the offset of its end
func tailLines(f afero.File, n int) ([]string, int64, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, 0, err
	}

	var ring []string
	var offset int64
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadString('\n')
		offset += int64(len(line))
		if line != "" && n > 0 {
			ring = append(ring, strings.TrimRight(line, "\n"))
			if len(ring) > n {
				ring = ring[1:]
			}
		}
		if err == io.EOF {
			return ring, offset, nil
		}
		if err != nil {
			return nil, 0, err
		}
	}
}

func (s *Server) follow(c echo.Context, f afero.File, offset int64) error {
	ctx := c.Request().Context()
	w := c.Response()
	ticker := time.NewTicker(followInterval)
	defer ticker.Stop()

	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		info, err := s.cfg.FS.Stat(s.cfg.LogFile)
		if err != nil {
			return nil
		}
		if info.Size() < offset {
			// truncated or rotated
			offset = 0
		}
		if info.Size() == offset {
			continue
		}

		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil
		}
		for offset < info.Size() {
			n, err := f.Read(buf)
			if n > 0 {
				if _, werr := w.Write(buf[:n]); werr != nil {
					return nil
				}
				offset += int64(n)
			}
			if err != nil {
				break
			}
		}
		w.Flush()
	}
}
