package logcollection

import (
	"bufio"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/core-tools/hsu-fixture/pkg/logging"
)

const (
	readBufferSize = 64 * 1024
	maxLineSize    = 1024 * 1024

	// TruncatedSuffix ends a line that was cut at maxLineSize.
	TruncatedSuffix = " [truncated]"
)

// LineHandler observes every line after it has been mirrored to the sink.
type LineHandler func(line string)

// Collector is the background reader for one fixture's combined output stream.
// It makes progress one line at a time and exits when the stream closes or when
// a stop request is observed between two lines.
type Collector struct {
	fixtureID string
	sink      LineSink
	onLine    LineHandler
	logger    logging.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	started  int32 // atomic

	linesProcessed int64 // atomic
	bytesProcessed int64 // atomic
	linesTruncated int64 // atomic
}

func NewCollector(fixtureID string, sink LineSink, onLine LineHandler, logger logging.Logger) *Collector {
	return &Collector{
		fixtureID: fixtureID,
		sink:      sink,
		onLine:    onLine,
		logger:    logger,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the reader goroutine. Only the first call has an effect.
func (c *Collector) Start(stream io.Reader) {
	if !atomic.CompareAndSwapInt32(&c.started, 0, 1) {
		return
	}
	go c.streamReader(stream)
}

// streamReader reads until the stream closes. Overlong lines are cut at
// maxLineSize and the rest of the line is drained, so the writer never blocks.
func (c *Collector) streamReader(stream io.Reader) {
	defer close(c.done)

	reader := bufio.NewReaderSize(stream, readBufferSize)
	line := make([]byte, 0, readBufferSize)
	truncated := false

	for {
		fragment, isPrefix, err := reader.ReadLine()
		if err != nil {
			if err != io.EOF {
				c.logger.Debugf("Output stream closed with error, fixture: %s, error: %v", c.fixtureID, err)
			}
			return
		}

		if room := maxLineSize - len(line); len(fragment) > room {
			fragment = fragment[:room]
			truncated = true
		}
		line = append(line, fragment...)
		if isPrefix {
			continue
		}

		select {
		case <-c.stopCh:
			c.logger.Debugf("Output collector stop observed, fixture: %s", c.fixtureID)
			return
		default:
		}

		text := string(line)
		if truncated {
			atomic.AddInt64(&c.linesTruncated, 1)
			c.logger.Warnf("Output line exceeded %d bytes and was truncated, fixture: %s", maxLineSize, c.fixtureID)
			text += TruncatedSuffix
		}
		line = line[:0]
		truncated = false

		c.handleLine(text)
	}
}

func (c *Collector) handleLine(line string) {
	atomic.AddInt64(&c.linesProcessed, 1)
	atomic.AddInt64(&c.bytesProcessed, int64(len(line)))

	if c.sink != nil {
		if err := c.sink.WriteLine(line); err != nil {
			c.logger.Warnf("Failed to mirror output line, fixture: %s, error: %v", c.fixtureID, err)
		}
	}
	if c.onLine != nil {
		c.onLine(line)
	}
}

// RequestStop asks the reader to exit before handling its next line.
func (c *Collector) RequestStop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Done is closed when the reader goroutine has exited.
func (c *Collector) Done() <-chan struct{} {
	return c.done
}

// Join waits up to timeout for the reader to exit and reports whether it did.
// A collector that was never started counts as joined.
func (c *Collector) Join(timeout time.Duration) bool {
	if atomic.LoadInt32(&c.started) == 0 {
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.done:
		return true
	case <-timer.C:
		return false
	}
}

func (c *Collector) LinesProcessed() int64 {
	return atomic.LoadInt64(&c.linesProcessed)
}

func (c *Collector) BytesProcessed() int64 {
	return atomic.LoadInt64(&c.bytesProcessed)
}

func (c *Collector) LinesTruncated() int64 {
	return atomic.LoadInt64(&c.linesTruncated)
}
