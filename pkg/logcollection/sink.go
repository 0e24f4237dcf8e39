package logcollection

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/core-tools/hsu-fixture/pkg/logging"
	"go.uber.org/multierr"
)

// LineSink receives fixture output one line at a time.
type LineSink interface {
	WriteLine(line string) error
	Close() error
}

// NewLoggerSink mirrors each line to logger at info level.
func NewLoggerSink(logger logging.Logger) LineSink {
	return &loggerSink{logger: logger}
}

type loggerSink struct {
	logger logging.Logger
}

func (s *loggerSink) WriteLine(line string) error {
	s.logger.Infof("%s", line)
	return nil
}

func (s *loggerSink) Close() error {
	return nil
}

// NewWriterSink writes newline-terminated lines to w. Close does not close w.
func NewWriterSink(w io.Writer) LineSink {
	return &writerSink{w: w}
}

type writerSink struct {
	w     io.Writer
	mutex sync.Mutex
}

func (s *writerSink) WriteLine(line string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	_, err := fmt.Fprintln(s.w, line)
	return err
}

func (s *writerSink) Close() error {
	return nil
}

// NewFileSink appends lines to path, creating parent directories on first write.
func NewFileSink(path string) LineSink {
	return &fileSink{path: path}
}

type fileSink struct {
	path   string
	file   *os.File
	writer *bufio.Writer
	mutex  sync.Mutex
}

func (f *fileSink) WriteLine(line string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if err := f.ensureFileOpen(); err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	if _, err := f.writer.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("failed to write log line: %w", err)
	}
	return f.writer.Flush()
}

func (f *fileSink) Close() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.file == nil {
		return nil
	}
	err := multierr.Append(f.writer.Flush(), f.file.Close())
	f.file = nil
	f.writer = nil
	return err
}

func (f *fileSink) ensureFileOpen() error {
	if f.file != nil {
		return nil
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}

	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", f.path, err)
	}

	f.file = file
	f.writer = bufio.NewWriter(file)
	return nil
}

// NewPrefixedSink prepends prefix to every line before passing it on.
func NewPrefixedSink(prefix string, next LineSink) LineSink {
	return &prefixedSink{prefix: prefix, next: next}
}

type prefixedSink struct {
	prefix string
	next   LineSink
}

func (s *prefixedSink) WriteLine(line string) error {
	return s.next.WriteLine(s.prefix + line)
}

func (s *prefixedSink) Close() error {
	return s.next.Close()
}

// NewMultiSink fans every line out to all sinks; one failing sink does not starve the others.
func NewMultiSink(sinks ...LineSink) LineSink {
	return multiSink(sinks)
}

type multiSink []LineSink

func (m multiSink) WriteLine(line string) error {
	var err error
	for _, sink := range m {
		err = multierr.Append(err, sink.WriteLine(line))
	}
	return err
}

func (m multiSink) Close() error {
	var err error
	for _, sink := range m {
		err = multierr.Append(err, sink.Close())
	}
	return err
}
