package log

import (
	"fmt"
	"os"
	"sync"
)

const (
	defaultMaxBytes    = 100 << 20 // 100 MiB per generation
	defaultGenerations = 10
)

// rotatingSink is an io.Writer that rotates the underlying file once it
// grows past maxBytes, keeping up to generations old files as
// path.1 .. path.N (path.1 newest).
type rotatingSink struct {
	mu          sync.Mutex
	path        string
	file        *os.File
	written     int64
	maxBytes    int64
	generations int
}

func newRotatingSink(path string, maxBytes int64, generations int) (*rotatingSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &rotatingSink{
		path:        path,
		file:        f,
		written:     info.Size(),
		maxBytes:    maxBytes,
		generations: generations,
	}, nil
}

func (s *rotatingSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.written+int64(len(p)) > s.maxBytes {
		if err := s.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := s.file.Write(p)
	s.written += int64(n)
	return n, err
}

// rotate shifts path.N-1 -> path.N .. path -> path.1 and reopens path.
func (s *rotatingSink) rotate() error {
	if err := s.file.Close(); err != nil {
		return err
	}

	oldest := fmt.Sprintf("%s.%d", s.path, s.generations)
	_ = os.Remove(oldest)
	for i := s.generations - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", s.path, i)
		to := fmt.Sprintf("%s.%d", s.path, i+1)
		_ = os.Rename(from, to)
	}
	_ = os.Rename(s.path, s.path+".1")

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	s.file = f
	s.written = 0
	return nil
}

func (s *rotatingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
