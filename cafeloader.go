// Package cafeloader patches a target process at start-up from artifacts on
// external storage.
package cafeloader

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"

	"github.com/sliverarmory/cafeloader/artifact"
	"github.com/sliverarmory/cafeloader/handshake"
	"github.com/sliverarmory/cafeloader/memcopy"
	"github.com/sliverarmory/cafeloader/patch"
	"github.com/sliverarmory/cafeloader/segment"
)

var ErrSessionClosed = errors.New("cafeloader: session is closed")

// Notifier shows the user that a step succeeded. Failures are never
// notified.
type Notifier interface {
	Notify(msg string)
}

type NotifierFunc func(msg string)

func (fn NotifierFunc) Notify(msg string) { fn(msg) }

type logNotifier struct {
	logger log.Logger
}

func (notifier logNotifier) Notify(msg string) {
	level.Info(notifier.logger).Log("msg", msg)
}

type Options struct {
	// Fs holds the artifacts. Defaults to the OS filesystem.
	Fs      afero.Fs
	Root    string
	TitleID uint64

	// Order is the byte order of the artifacts. Defaults to big-endian.
	Order binary.ByteOrder

	// Writer performs every memory write. Required.
	Writer memcopy.Writer

	Dialer    handshake.Dialer
	Handshake handshake.Config

	// Callback is written to the slot preceding the data segment.
	Callback uint32

	Notifier   Notifier
	Logger     log.Logger
	Registerer prometheus.Registerer
}

// Session is the state of one process start: the artifacts it reads, the
// writer it patches through and the remote client flag. A new Session starts
// with the client disabled.
type Session struct {
	mu     sync.Mutex
	closed bool

	locator  *artifact.Locator
	writer   *countingWriter
	client   *handshake.Client
	order    binary.ByteOrder
	callback uint32
	notifier Notifier
	logger   log.Logger
	metrics  *metrics
}

func NewSession(opts Options) (*Session, error) {
	if opts.Writer == nil {
		return nil, errors.New("cafeloader: no memory writer")
	}
	if opts.Order == nil {
		opts.Order = binary.BigEndian
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.Notifier == nil {
		opts.Notifier = logNotifier{logger: opts.Logger}
	}
	if opts.Handshake.Order == nil {
		opts.Handshake.Order = opts.Order
	}

	locator := artifact.NewLocator(opts.Fs, opts.Root, opts.TitleID)
	m := newMetrics(opts.Registerer)
	return &Session{
		locator:  locator,
		writer:   &countingWriter{next: opts.Writer, bytes: m.bytesWritten},
		client:   handshake.NewClient(opts.Handshake, opts.Dialer, opts.Logger),
		order:    opts.Order,
		callback: opts.Callback,
		notifier: opts.Notifier,
		logger:   log.With(opts.Logger, "title", locator.TitleID()),
		metrics:  m,
	}, nil
}

// ClientEnabled reports whether the handshake was accepted during this
// session.
func (session *Session) ClientEnabled() bool {
	return session.client.Enabled()
}

// Client is the handshake client owned by the session.
func (session *Session) Client() *handshake.Client {
	return session.client
}

// Start runs the start-of-process sequence once: handshake, patches, then
// segments. Every step runs even when an earlier one failed.
func (session *Session) Start(ctx context.Context) *Report {
	report := &Report{}

	session.mu.Lock()
	closed := session.closed
	session.mu.Unlock()
	if closed {
		for _, step := range steps {
			report.add(StepResult{Step: step, Outcome: Failed, Err: ErrSessionClosed})
		}
		return report
	}

	level.Debug(session.logger).Log("msg", "starting", "dir", session.locator.TitleDir())
	for _, step := range steps {
		var result StepResult
		if err := ctx.Err(); err != nil {
			result = StepResult{Step: step, Outcome: Failed, Err: err}
		} else {
			result = session.run(ctx, step)
		}
		session.record(result)
		report.add(result)
	}
	return report
}

func (session *Session) run(ctx context.Context, step Step) StepResult {
	switch step {
	case StepHandshake:
		return session.enableClient(ctx)
	case StepPatches:
		return session.applyPatches()
	case StepSegments:
		return session.loadSegments()
	default:
		return StepResult{Step: step, Outcome: Failed, Err: fmt.Errorf("unknown step %q", step)}
	}
}

func (session *Session) record(result StepResult) {
	session.metrics.steps.WithLabelValues(string(result.Step), string(result.Outcome)).Inc()

	logger := log.With(session.logger, "step", result.Step, "outcome", result.Outcome)
	switch result.Outcome {
	case Failed:
		level.Error(logger).Log("msg", "step failed", "err", result.Err)
	case Rejected:
		level.Warn(logger).Log("msg", "step rejected", "err", result.Err)
	default:
		level.Debug(logger).Log("msg", "step done")
	}
}

func (session *Session) enableClient(ctx context.Context) StepResult {
	result := StepResult{Step: StepHandshake, Outcome: Skipped}
	if session.client.Enabled() {
		return result
	}

	peerPath := session.locator.RootPath(artifact.Peer)
	if !session.locator.Exists(peerPath) {
		return result
	}
	session.notifier.Notify("IP file found!")

	raw, err := session.locator.ReadFile(peerPath)
	if err != nil {
		return result.fail(err)
	}
	peer, err := handshake.ParsePeer(raw)
	if err != nil {
		return result.fail(err)
	}

	if err := session.client.Enable(ctx, peer, session.locator.TitleID()); err != nil {
		if errors.Is(err, handshake.ErrRejected) {
			result.Outcome = Rejected
			result.Err = err
			return result
		}
		return result.fail(err)
	}
	session.notifier.Notify("Client connected!")
	result.Outcome = Applied
	return result
}

func (session *Session) applyPatches() StepResult {
	result := StepResult{Step: StepPatches, Outcome: Skipped}

	patchesPath := session.locator.TitlePath(artifact.Patches)
	if !session.locator.Exists(patchesPath) {
		return result
	}
	session.notifier.Notify("Patches.hax found!")

	stream, err := session.locator.ReadFile(patchesPath)
	if err != nil {
		return result.fail(err)
	}

	applied, err := patch.Apply(session.writer, stream, session.order)
	session.metrics.recordsApplied.Add(float64(applied.Applied))
	if err != nil {
		return result.fail(fmt.Errorf("%s: %d of %d records applied: %w",
			artifact.Patches, applied.Applied, applied.Declared, err))
	}
	if applied.Trailing > 0 {
		level.Warn(session.logger).Log("msg", "ignoring trailing bytes", "file", artifact.Patches, "bytes", applied.Trailing)
	}
	level.Info(session.logger).Log("msg", "patches applied", "records", applied.Applied, "bytes", applied.Bytes)
	session.notifier.Notify("Loaded Patches.hax!")
	result.Outcome = Applied
	return result
}

func (session *Session) loadSegments() StepResult {
	result := StepResult{Step: StepSegments, Outcome: Skipped}

	addrPath := session.locator.TitlePath(artifact.Addr)
	codePath := session.locator.TitlePath(artifact.Code)
	dataPath := session.locator.TitlePath(artifact.Data)
	if !session.locator.AllExist(addrPath, codePath, dataPath) {
		return result
	}
	session.notifier.Notify("Code patches found!")

	rawTable, err := session.locator.ReadFile(addrPath)
	if err != nil {
		return result.fail(err)
	}
	table, err := segment.ParseTable(rawTable, session.order)
	if err != nil {
		return result.fail(err)
	}
	code, err := session.locator.ReadFile(codePath)
	if err != nil {
		return result.fail(err)
	}
	data, err := session.locator.ReadFile(dataPath)
	if err != nil {
		return result.fail(err)
	}

	if session.callback == 0 {
		level.Warn(session.logger).Log("msg", "callback slot will hold a null pointer")
	}
	err = segment.Load(session.writer, segment.Image{
		Table:    table,
		Code:     code,
		Data:     data,
		Callback: session.callback,
	}, session.order)
	if err != nil {
		return result.fail(err)
	}

	level.Info(session.logger).Log("msg", "segments loaded",
		"code_addr", fmt.Sprintf("0x%08X", table.Code), "code_bytes", len(code),
		"data_addr", fmt.Sprintf("0x%08X", table.Data), "data_bytes", len(data),
		"callback", fmt.Sprintf("0x%08X", session.callback))
	session.notifier.Notify("Loaded Code.bin and Data.bin!")
	result.Outcome = Applied
	return result
}

// Close releases the remote client session, if any.
func (session *Session) Close() error {
	session.mu.Lock()
	defer session.mu.Unlock()

	if session.closed {
		return nil
	}
	session.closed = true
	if err := session.client.Close(); err != nil {
		return fmt.Errorf("cafeloader: close client: %w", err)
	}
	return nil
}

type countingWriter struct {
	next  memcopy.Writer
	bytes prometheus.Counter
}

func (writer *countingWriter) Copy(dst uint64, src []byte) error {
	if err := writer.next.Copy(dst, src); err != nil {
		return err
	}
	writer.bytes.Add(float64(len(src)))
	return nil
}
