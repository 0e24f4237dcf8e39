package logcollection

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/core-tools/hsu-fixture/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu    sync.Mutex
	lines []string
	err   error
}

func (r *recordingSink) WriteLine(line string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	return r.err
}

func (r *recordingSink) Close() error { return nil }

func (r *recordingSink) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func TestCollector_MirrorsPrefixedLinesUntilEOF(t *testing.T) {
	sink := &recordingSink{}
	var seen []string

	c := NewCollector("provider", NewPrefixedSink("[OTA-PROVIDER] ", sink),
		func(line string) { seen = append(seen, line) }, logging.NewNopLogger())
	c.Start(strings.NewReader("first\nsecond\nthird"))

	require.True(t, c.Join(time.Second))
	assert.Equal(t, []string{"[OTA-PROVIDER] first", "[OTA-PROVIDER] second", "[OTA-PROVIDER] third"}, sink.snapshot())
	assert.Equal(t, []string{"first", "second", "third"}, seen)
	assert.Equal(t, int64(3), c.LinesProcessed())
	assert.Equal(t, int64(len("firstsecondthird")), c.BytesProcessed())
}

func TestCollector_StopObservedBetweenLines(t *testing.T) {
	pr, pw := io.Pipe()
	defer pr.Close()

	sink := &recordingSink{}
	c := NewCollector("requestor", sink, nil, logging.NewNopLogger())
	c.Start(pr)

	_, err := pw.Write([]byte("before stop\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	c.RequestStop()
	c.RequestStop()

	// The reader is blocked in Read; the next line wakes it and it must exit without mirroring it.
	go pw.Write([]byte("after stop\n"))

	require.True(t, c.Join(time.Second))
	assert.Equal(t, []string{"before stop"}, sink.snapshot())
	pw.Close()
}

func TestCollector_OverlongLineIsTruncatedAndReadingContinues(t *testing.T) {
	sink := &recordingSink{}
	var seen []string

	c := NewCollector("provider", sink, func(line string) { seen = append(seen, line) }, logging.NewNopLogger())
	long := strings.Repeat("a", maxLineSize+100*1024)
	c.Start(strings.NewReader(long + "\nready\n"))

	require.True(t, c.Join(5*time.Second))
	lines := sink.snapshot()
	require.Len(t, lines, 2)
	assert.Equal(t, strings.Repeat("a", maxLineSize)+TruncatedSuffix, lines[0])
	assert.Equal(t, "ready", lines[1])
	assert.Equal(t, "ready", seen[1])
	assert.Equal(t, int64(1), c.LinesTruncated())
	assert.Equal(t, int64(2), c.LinesProcessed())
}

func TestCollector_DrainsOverlongLineFromBlockingWriter(t *testing.T) {
	pr, pw := io.Pipe()
	defer pr.Close()

	sink := &recordingSink{}
	c := NewCollector("provider", sink, nil, logging.NewNopLogger())
	c.Start(pr)

	written := make(chan error, 1)
	go func() {
		_, err := pw.Write([]byte(strings.Repeat("b", 2*maxLineSize) + "\nafter\n"))
		written <- err
	}()

	select {
	case err := <-written:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("writer blocked on an overlong line")
	}
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "after", sink.snapshot()[1])

	pw.Close()
	assert.True(t, c.Join(time.Second))
}

func TestCollector_JoinTimesOutWhileStreamOpen(t *testing.T) {
	pr, pw := io.Pipe()
	c := NewCollector("app", nil, nil, logging.NewNopLogger())
	c.Start(pr)

	assert.False(t, c.Join(20*time.Millisecond))

	pw.Close()
	assert.True(t, c.Join(time.Second))
}

func TestCollector_NeverStartedIsJoined(t *testing.T) {
	c := NewCollector("idle", nil, nil, logging.NewNopLogger())
	assert.True(t, c.Join(0))
}

func TestCollector_SinkErrorsDoNotStopReading(t *testing.T) {
	sink := &recordingSink{err: errors.New("disk full")}
	c := NewCollector("app", sink, nil, logging.NewNopLogger())
	c.Start(strings.NewReader("a\nb\n"))

	require.True(t, c.Join(time.Second))
	assert.Len(t, sink.snapshot(), 2)
}

func TestFileSink_CreatesDirectoryAndAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "provider.log")
	sink := NewFileSink(path)

	require.NoError(t, sink.WriteLine("[OTA-PROVIDER] one"))
	require.NoError(t, sink.WriteLine("[OTA-PROVIDER] two"))
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "[OTA-PROVIDER] one\n[OTA-PROVIDER] two\n", string(data))
}

func TestMultiSink_FansOutAndCombinesErrors(t *testing.T) {
	var buf bytes.Buffer
	failing := &recordingSink{err: errors.New("broken")}
	sink := NewMultiSink(NewWriterSink(&buf), failing)

	err := sink.WriteLine("hello")
	assert.EqualError(t, err, "broken")
	assert.Equal(t, "hello\n", buf.String())
	assert.Equal(t, []string{"hello"}, failing.snapshot())
}
