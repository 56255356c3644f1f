package reduce

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/altair-data/lightcurve.report/internal/ccd"
	"github.com/altair-data/lightcurve.report/internal/ccd/fits"
)

// Spool control sentinels. ErrEndOfRun means the source is exhausted
// and the run should drain. ErrNotReady means a live source has not
// produced the next frame yet; the caller should wait and re-poll.
var (
	ErrEndOfRun = errors.New("end of run")
	ErrNotReady = errors.New("frame not ready")
)

// Spooler supplies frames in order. Next returns ErrEndOfRun when the
// source is exhausted, ErrNotReady when a live source is still
// writing, and any other error for a genuinely broken source.
type Spooler interface {
	Next() (*ccd.Frame, error)
	io.Closer
}

// ---------------------------------------------------------------------

// ListSpool reads frames named by a list file: one FITS path per line,
// blank lines and #-comments skipped, relative paths resolved against
// the list file's directory.
type ListSpool struct {
	paths []string
	next  int
}

// NewListSpool parses the list file.
func NewListSpool(path string) (*ListSpool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open frame list: %w", err)
	}
	defer f.Close()

	dir := filepath.Dir(path)
	var paths []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !filepath.IsAbs(line) {
			line = filepath.Join(dir, line)
		}
		paths = append(paths, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read frame list: %w", err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("frame list %s names no frames", path)
	}
	return &ListSpool{paths: paths}, nil
}

func (s *ListSpool) Next() (*ccd.Frame, error) {
	if s.next >= len(s.paths) {
		return nil, ErrEndOfRun
	}
	p := s.paths[s.next]
	s.next++
	frame, err := fits.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", p, err)
	}
	return frame, nil
}

func (s *ListSpool) Close() error { return nil }

// ---------------------------------------------------------------------

// DirSpool reads numbered frame files frame_NNNNNN.fits from a run
// directory. In live mode a missing next file means the instrument is
// still writing it (ErrNotReady); otherwise the run is over.
type DirSpool struct {
	dir  string
	next int
	live bool
}

// NewDirSpool opens a run directory starting from the given frame
// number.
func NewDirSpool(dir string, first int, live bool) (*DirSpool, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open run directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("run source %s is not a directory", dir)
	}
	if first < 1 {
		first = 1
	}
	return &DirSpool{dir: dir, next: first, live: live}, nil
}

// FramePath returns the conventional file name of frame n in dir.
func FramePath(dir string, n int) string {
	return filepath.Join(dir, fmt.Sprintf("frame_%06d.fits", n))
}

func (s *DirSpool) Next() (*ccd.Frame, error) {
	path := FramePath(s.dir, s.next)
	if _, err := os.Stat(path); err != nil {
		if s.live {
			return nil, ErrNotReady
		}
		return nil, ErrEndOfRun
	}
	frame, err := fits.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	s.next++
	return frame, nil
}

func (s *DirSpool) Close() error { return nil }

// ---------------------------------------------------------------------

// HTTPSpool polls an acquisition server for numbered frames at
// GET <base>/frame/<n>. 200 carries a FITS body; 204 means the frame
// is not ready yet; 404 or 410 after the first successful frame means
// the run has ended (before any success they mean the run has not
// started, which is also "not ready").
type HTTPSpool struct {
	base   string
	client *http.Client
	next   int
	seen   bool
}

// NewHTTPSpool builds a spooler against the server base URL. A nil
// client uses http.DefaultClient.
func NewHTTPSpool(base string, first int, client *http.Client) *HTTPSpool {
	if client == nil {
		client = http.DefaultClient
	}
	if first < 1 {
		first = 1
	}
	return &HTTPSpool{base: strings.TrimRight(base, "/"), client: client, next: first}
}

func (s *HTTPSpool) Next() (*ccd.Frame, error) {
	url := fmt.Sprintf("%s/frame/%d", s.base, s.next)
	resp, err := s.client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to poll %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		frame, err := fits.ReadFrame(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("bad frame body from %s: %w", url, err)
		}
		s.next++
		s.seen = true
		return frame, nil
	case http.StatusNoContent:
		return nil, ErrNotReady
	case http.StatusNotFound, http.StatusGone:
		if s.seen {
			return nil, ErrEndOfRun
		}
		return nil, ErrNotReady
	default:
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
}

func (s *HTTPSpool) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
