package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// ErrClosed는 종료된 sink에 쓰기를 시도할 때 반환됩니다
var ErrClosed = errors.New("archive sink is closed")

// Sink는 출력 스트림을 이름 있는 엔트리의 연속으로 감쌉니다
type Sink interface {
	// WriteEntry는 엔트리 생성, 전체 쓰기, 닫기를 하나의 단위로 수행합니다
	WriteEntry(name string, modified time.Time, r io.Reader) (int64, error)
	// Close는 central directory를 기록하고 아카이브를 완성합니다
	Close() error
	// Abort는 아카이브를 완성하지 않고 버립니다
	Abort()
}

// zipSink는 zip.Writer 하나를 mutex로 직렬화합니다.
// 엔트리 바이트가 섞이면 아카이브가 깨지므로 모든 엔트리 쓰기는 lock 안에서 끝까지 수행됩니다.
type zipSink struct {
	mu      sync.Mutex
	zw      *zip.Writer
	closed  bool
	aborted bool
	failed  error
}

func newZipSink(w io.Writer) *zipSink {
	return &zipSink{zw: zip.NewWriter(w)}
}

func (s *zipSink) WriteEntry(name string, modified time.Time, r io.Reader) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}
	if s.failed != nil {
		return 0, s.failed
	}

	header := &zip.FileHeader{
		Name:     name,
		Method:   zip.Store, // 영상은 이미 압축되어 있음
		Modified: modified,
	}
	w, err := s.zw.CreateHeader(header)
	if err != nil {
		s.failed = fmt.Errorf("failed to create entry %s: %w", name, err)
		return 0, s.failed
	}

	n, err := io.Copy(w, r)
	if err != nil {
		// 엔트리 중간에서 멈춘 zip 스트림은 복구할 수 없음
		s.failed = fmt.Errorf("failed to write entry %s: %w", name, err)
		return n, s.failed
	}

	return n, nil
}

func (s *zipSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.closed = true

	if s.failed != nil {
		return s.failed
	}
	if err := s.zw.Close(); err != nil {
		return fmt.Errorf("failed to finalize archive: %w", err)
	}
	return nil
}

func (s *zipSink) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.aborted = true
}

// StreamingSink는 엔트리를 완료되는 즉시 출력(HTTP 응답 등)으로 흘려보냅니다
type StreamingSink struct {
	*zipSink
	flusher interface{ Flush() }
}

// NewStreamingSink는 w에 직접 쓰는 sink를 생성합니다.
// w가 Flush()를 지원하면 엔트리마다 flush합니다.
func NewStreamingSink(w io.Writer) *StreamingSink {
	s := &StreamingSink{zipSink: newZipSink(w)}
	if f, ok := w.(interface{ Flush() }); ok {
		s.flusher = f
	}
	return s
}

func (s *StreamingSink) WriteEntry(name string, modified time.Time, r io.Reader) (int64, error) {
	n, err := s.zipSink.WriteEntry(name, modified, r)
	if err == nil && s.flusher != nil {
		s.mu.Lock()
		if err = s.zw.Flush(); err == nil {
			s.flusher.Flush()
		} else {
			s.failed = fmt.Errorf("failed to flush archive: %w", err)
			err = s.failed
		}
		s.mu.Unlock()
	}
	return n, err
}

// BufferingSink는 아카이브 전체를 메모리에 모은 뒤 한 번에 반환합니다
type BufferingSink struct {
	*zipSink
	buf *bytes.Buffer
}

// NewBufferingSink는 메모리 버퍼 sink를 생성합니다
func NewBufferingSink() *BufferingSink {
	buf := new(bytes.Buffer)
	return &BufferingSink{zipSink: newZipSink(buf), buf: buf}
}

// Bytes는 Close가 성공한 뒤의 아카이브 바이트를 반환합니다
func (s *BufferingSink) Bytes() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed || s.aborted || s.failed != nil {
		return nil, ErrClosed
	}
	return s.buf.Bytes(), nil
}

// Abort는 버퍼를 비웁니다
func (s *BufferingSink) Abort() {
	s.zipSink.Abort()
	s.mu.Lock()
	s.buf.Reset()
	s.mu.Unlock()
}
