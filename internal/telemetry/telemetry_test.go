package telemetry

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/drive-recorder/internal/types"
	"github.com/e7canasta/drive-recorder/internal/writer"
)

// scriptedSource replays a fixed sequence of ReadLine results, then reports
// timeouts until closed
type scriptedSource struct {
	mu     sync.Mutex
	steps  []step
	closed bool
}

type step struct {
	line string
	err  error
}

func lines(ls ...string) []step {
	steps := make([]step, len(ls))
	for i, l := range ls {
		steps[i] = step{line: l}
	}
	return steps
}

func (s *scriptedSource) ReadLine() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.steps) == 0 {
		time.Sleep(time.Millisecond)
		return nil, ErrReadTimeout
	}
	st := s.steps[0]
	s.steps = s.steps[1:]
	if st.err != nil {
		return nil, st.err
	}
	return []byte(st.line), nil
}

func (s *scriptedSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *scriptedSource) Name() string { return "scripted" }

func (s *scriptedSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type recordingSink struct {
	mu       sync.Mutex
	samples  []types.TelemetrySample
	triggers []types.Trigger
	accept   bool
	err      error
}

func (r *recordingSink) AppendSample(s types.TelemetrySample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.samples = append(r.samples, s)
	return nil
}

func (r *recordingSink) Trigger(t types.Trigger) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers = append(r.triggers, t)
	return r.accept
}

func (r *recordingSink) snapshot() ([]types.TelemetrySample, []types.Trigger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.TelemetrySample(nil), r.samples...), append([]types.Trigger(nil), r.triggers...)
}

func runReader(t *testing.T, src Source, sink *recordingSink) *Reader {
	t.Helper()
	r, err := NewReader(Config{Policy: DefaultPolicy(), SkipFirstLine: true}, src, sink, sink)
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	return r
}

func waitDone(t *testing.T, r *Reader) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Wait(ctx))
}

func TestParseSample(t *testing.T) {
	now := time.Now()
	s, err := ParseSample([]byte("123,a,b,c, 0.5 ,-0.1,0.98\r\n"), now)
	require.NoError(t, err)

	assert.Equal(t, "123", s.Timestamp)
	assert.Equal(t, 0.5, s.X)
	assert.Equal(t, -0.1, s.Y)
	assert.Equal(t, 0.98, s.Z)
	assert.Equal(t, "123,a,b,c, 0.5 ,-0.1,0.98\r\n", string(s.Raw))
	assert.Equal(t, now, s.ReceivedAt)
}

func TestParseSampleErrors(t *testing.T) {
	for _, line := range []string{
		"123,1,2,3,0.1,0.1\n",
		"123,1,2,3,abc,0.1,0.1\n",
		"123,1,2,3,0.1,0.1,\n",
		",1,2,3,0.1,0.1,0.1\n",
		"\n",
	} {
		_, err := ParseSample([]byte(line), time.Now())
		assert.Error(t, err, line)
	}
}

func TestPolicyExceeds(t *testing.T) {
	p := DefaultPolicy()

	assert.True(t, p.Exceeds(types.TelemetrySample{X: 0.5, Y: 0.1}))
	assert.True(t, p.Exceeds(types.TelemetrySample{X: 0.1, Y: 0.31}))
	assert.False(t, p.Exceeds(types.TelemetrySample{X: 0.1, Y: 0.1}))
	assert.False(t, p.Exceeds(types.TelemetrySample{X: 0.3, Y: 0.3}), "threshold is exclusive")
	assert.False(t, p.Exceeds(types.TelemetrySample{Z: 5}), "z is not checked")
	assert.True(t, p.Exceeds(types.TelemetrySample{X: -0.5}))

	p.Mode = ModeSigned
	assert.False(t, p.Exceeds(types.TelemetrySample{X: -0.5, Y: -0.9}))
	assert.True(t, p.Exceeds(types.TelemetrySample{X: 0.5}))
}

func TestPolicyClipName(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, "123.h264", p.ClipName("123"))
	assert.Equal(t, "2024_05_01 12:00:00.h264", p.ClipName("2024/05/01 12:00:00"))

	p.Extension = ".mp4"
	assert.Equal(t, "123.mp4", p.ClipName("123"))
}

func TestReaderTriggersAndLogsEverySample(t *testing.T) {
	src := &scriptedSource{steps: lines(
		"partial,garbage\n",
		"123,0,0,0,0.5,0.1,0.9\n",
		"124,0,0,0,0.1,0.1,0.9\n",
	)}
	sink := &recordingSink{accept: true}
	r := runReader(t, src, sink)

	require.Eventually(t, func() bool { return r.Stats().Samples == 2 }, 2*time.Second, time.Millisecond)
	r.Stop()
	waitDone(t, r)

	samples, triggers := sink.snapshot()
	require.Len(t, samples, 2)
	assert.Equal(t, "123,0,0,0,0.5,0.1,0.9\n", string(samples[0].Raw))
	assert.Equal(t, "124,0,0,0,0.1,0.1,0.9\n", string(samples[1].Raw))

	require.Len(t, triggers, 1)
	assert.Equal(t, "123.h264", triggers[0].ClipName)
	assert.Equal(t, "123", triggers[0].Timestamp)
	assert.NotEmpty(t, triggers[0].TraceID)

	stats := r.Stats()
	assert.Equal(t, uint64(3), stats.Lines)
	assert.Equal(t, uint64(1), stats.Triggers)
	assert.Zero(t, stats.ParseErrors)
	assert.True(t, src.isClosed())
}

func TestReaderSkipsMalformedLines(t *testing.T) {
	src := &scriptedSource{steps: lines(
		"first\n",
		"bad line\n",
		"1,0,0,0,x,0,0\n",
		"2,0,0,0,0.1,0.1,0.1\n",
	)}
	sink := &recordingSink{accept: true}
	r := runReader(t, src, sink)

	require.Eventually(t, func() bool { return r.Stats().Samples == 1 }, 2*time.Second, time.Millisecond)
	r.Stop()
	waitDone(t, r)

	samples, _ := sink.snapshot()
	require.Len(t, samples, 1)
	assert.Equal(t, "2", samples[0].Timestamp)
	assert.Equal(t, uint64(2), r.Stats().ParseErrors)
}

func TestReaderCountsCoalescedTriggers(t *testing.T) {
	src := &scriptedSource{steps: lines(
		"first\n",
		"1,0,0,0,0.9,0,0\n",
		"2,0,0,0,0.9,0,0\n",
	)}
	sink := &recordingSink{accept: false}
	r := runReader(t, src, sink)

	require.Eventually(t, func() bool { return r.Stats().Triggers == 2 }, 2*time.Second, time.Millisecond)
	r.Stop()
	waitDone(t, r)

	assert.Equal(t, uint64(2), r.Stats().Coalesced)
}

func TestReaderDeviceErrorStopsOnlyReader(t *testing.T) {
	src := &scriptedSource{steps: []step{
		{line: "first\n"},
		{line: "1,0,0,0,0.1,0,0\n"},
		{err: errors.New("input/output error")},
		{line: "2,0,0,0,0.1,0,0\n"},
	}}
	sink := &recordingSink{accept: true}
	r := runReader(t, src, sink)
	waitDone(t, r)

	require.Error(t, r.Err())
	assert.Equal(t, types.KindDevice, types.KindOf(r.Err()))
	assert.Contains(t, r.Stats().DeviceError, "input/output error")

	samples, _ := sink.snapshot()
	assert.Len(t, samples, 1)

	// Stop after the loop already exited is a no-op
	r.Stop()
	assert.False(t, r.Stats().Running)
}

func TestReaderStopHonouredOnTimeout(t *testing.T) {
	src := &scriptedSource{}
	sink := &recordingSink{}
	r := runReader(t, src, sink)

	time.Sleep(10 * time.Millisecond)
	r.Stop()
	waitDone(t, r)

	assert.Positive(t, r.Stats().Timeouts)
	assert.Nil(t, r.Err())
}

func TestReaderAppendErrorDoesNotStop(t *testing.T) {
	src := &scriptedSource{steps: lines("first\n", "1,0,0,0,0.9,0,0\n")}
	sink := &recordingSink{accept: true, err: errors.New("queue closed")}
	r := runReader(t, src, sink)

	require.Eventually(t, func() bool { return r.Stats().AppendErrors == 1 }, 2*time.Second, time.Millisecond)
	r.Stop()
	waitDone(t, r)

	_, triggers := sink.snapshot()
	assert.Len(t, triggers, 1, "trigger still raised when the sample could not be logged")
}

func TestStopBeforeStart(t *testing.T) {
	src := &scriptedSource{}
	r, err := NewReader(Config{Policy: DefaultPolicy()}, src, &recordingSink{}, &recordingSink{})
	require.NoError(t, err)

	r.Stop()
	waitDone(t, r)
	assert.True(t, src.isClosed())
	assert.Error(t, r.Start(context.Background()))
}

func TestNewReaderValidation(t *testing.T) {
	sink := &recordingSink{}
	_, err := NewReader(Config{Policy: DefaultPolicy()}, nil, sink, sink)
	assert.Error(t, err)

	bad := DefaultPolicy()
	bad.Mode = "absolute"
	_, err = NewReader(Config{Policy: bad}, &scriptedSource{}, sink, sink)
	assert.ErrorContains(t, err, "invalid policy")
}

func TestReplaySourceEndsCleanly(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/drive.csv", []byte(
		"header\n1,0,0,0,0.1,0,0\n2,0,0,0,0.7,0,0"), 0o644))

	src, err := OpenReplay(fs, "/drive.csv", 0)
	require.NoError(t, err)
	sink := &recordingSink{accept: true}
	r := runReader(t, src, sink)
	waitDone(t, r)

	samples, triggers := sink.snapshot()
	require.Len(t, samples, 2)
	assert.Equal(t, "2,0,0,0,0.7,0,0\n", string(samples[1].Raw), "unterminated last line gets its newline")
	require.Len(t, triggers, 1)
	assert.Equal(t, "2.h264", triggers[0].ClipName)
	assert.Nil(t, r.Err())
}

// replayInto runs a reader over data and logs through a writer on fs
func replayInto(t *testing.T, fs afero.Fs, data string) {
	t.Helper()
	storage, err := writer.NewFileStorage(fs, "/rec")
	require.NoError(t, err)
	w, err := writer.New(writer.DefaultConfig(), storage)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	src := NewReplaySource(strings.NewReader(data), "mem", 0)
	r, err := NewReader(Config{Policy: DefaultPolicy()}, src, w, &recordingSink{})
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	waitDone(t, r)

	w.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Wait(ctx))
}

func TestUnterminatedLineKeepsLogRecords(t *testing.T) {
	fs := afero.NewMemMapFs()
	replayInto(t, fs, "1,a,b,c,0.1,0.1,0.1\n2,a,b,c,0.1,0.1,0.1")
	replayInto(t, fs, "3,a,b,c,0.1,0.1,0.1\n")

	data, err := afero.ReadFile(fs, "/rec/output.csv")
	require.NoError(t, err)
	assert.Equal(t,
		"1,a,b,c,0.1,0.1,0.1\n2,a,b,c,0.1,0.1,0.1\n3,a,b,c,0.1,0.1,0.1\n",
		string(data))
	assert.Len(t, strings.Split(strings.TrimSuffix(string(data), "\n"), "\n"), 3)
}

func TestParseSampleTerminatesRaw(t *testing.T) {
	s, err := ParseSample([]byte("9,0,0,0,1,2,3"), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "9,0,0,0,1,2,3\n", string(s.Raw))

	s, err = ParseSample([]byte("9,0,0,0,1,2,3\r\n"), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "9,0,0,0,1,2,3\r\n", string(s.Raw), "terminated lines stay verbatim")
}

func TestReplaySourcePacing(t *testing.T) {
	src := NewReplaySource(strings.NewReader("a\nb\nc\n"), "mem", 10*time.Millisecond)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := src.ReadLine()
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	_, err := src.ReadLine()
	assert.ErrorIs(t, err, io.EOF)
}

// chunkedPort hands out bytes in fixed chunks, with empty reads standing in
// for serial read timeouts
type chunkedPort struct {
	chunks []string
}

func (p *chunkedPort) Read(b []byte) (int, error) {
	if len(p.chunks) == 0 {
		return 0, io.ErrClosedPipe
	}
	c := p.chunks[0]
	p.chunks = p.chunks[1:]
	return copy(b, c), nil
}

func (p *chunkedPort) Close() error { return nil }

func TestSerialSourceAssemblesLines(t *testing.T) {
	port := &chunkedPort{chunks: []string{"12,0,0", "", ",0,0.1,0.2,0.3\n34,", "0,0,0,1,1,1\n"}}
	src := newSerialSource(port, "/dev/ttyTEST")

	_, err := src.ReadLine()
	assert.ErrorIs(t, err, ErrReadTimeout, "empty read is a timeout")

	line, err := src.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "12,0,0,0,0.1,0.2,0.3\n", string(line))

	line, err = src.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "34,0,0,0,1,1,1\n", string(line))

	_, err = src.ReadLine()
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}
