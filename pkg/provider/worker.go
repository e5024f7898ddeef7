package provider

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/teslashibe/go-facetrack/pkg/detection"
	"github.com/teslashibe/go-facetrack/pkg/protocol"
)

// maxWorkerMessage bounds one length-prefixed reply from the worker.
const maxWorkerMessage = 16 << 20

// WorkerConfig configures the inference subprocess
type WorkerConfig struct {
	Command string
	Args    []string
	Env     []string

	// StopTimeout bounds the graceful shutdown before the process is killed.
	StopTimeout time.Duration
}

// WorkerRequest is one frame sent to the worker on stdin.
type WorkerRequest struct {
	FrameData []byte             `msgpack:"frame_data"`
	Width     int                `msgpack:"width"`
	Height    int                `msgpack:"height"`
	Seq       uint64             `msgpack:"seq"`
	Timestamp int64              `msgpack:"timestamp"`
	Features  detection.Features `msgpack:"features"`
}

// WorkerReply is one result read from the worker's stdout.
type WorkerReply struct {
	Seq   uint64           `msgpack:"seq"`
	Faces []detection.Wire `msgpack:"faces"`
	Error string           `msgpack:"error,omitempty"`
}

// Worker runs a local inference process and exchanges 4-byte big-endian
// length-prefixed msgpack messages with it over stdin/stdout.
type Worker struct {
	config WorkerConfig
	logger *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	cancel context.CancelFunc
	pipes  sync.WaitGroup // stdout and stderr readers
	wg     sync.WaitGroup

	writeMu sync.Mutex

	mu      sync.Mutex
	waiting map[uint64]chan reply
	exited  error
	closed  bool

	processed atomic.Uint64
	stale     atomic.Uint64
}

// StartWorker spawns the worker process.
func StartWorker(cfg WorkerConfig, logger *slog.Logger) (*Worker, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("provider: worker command is required")
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	if len(cfg.Env) > 0 {
		cmd.Env = append(cmd.Environ(), cfg.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("provider: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("provider: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("provider: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("provider: start worker: %w", err)
	}

	w := &Worker{
		config:  cfg,
		logger:  logger.With("component", "provider.worker", "pid", cmd.Process.Pid),
		cmd:     cmd,
		stdin:   stdin,
		cancel:  cancel,
		waiting: make(map[uint64]chan reply),
	}
	w.logger.Info("worker process spawned", "command", cfg.Command)

	w.pipes.Add(2)
	w.wg.Add(3)
	go w.readResults(stdout)
	go w.logStderr(stderr)
	go w.waitProcess()

	return w, nil
}

// Detect implements detection.Detector.
func (w *Worker) Detect(ctx context.Context, req detection.Request) ([]detection.RawDetection, error) {
	ch := make(chan reply, 1)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, detection.ErrClosed
	}
	if w.exited != nil {
		err := w.exited
		w.mu.Unlock()
		return nil, detection.WrapError("worker", err)
	}
	w.waiting[req.Seq] = ch
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		if w.waiting[req.Seq] == ch {
			delete(w.waiting, req.Seq)
		}
		w.mu.Unlock()
	}()

	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	payload, err := msgpack.Marshal(&WorkerRequest{
		FrameData: req.Frame,
		Width:     req.Width,
		Height:    req.Height,
		Seq:       req.Seq,
		Timestamp: ts.UnixMilli(),
		Features:  req.Features,
	})
	if err != nil {
		return nil, detection.WrapError("worker", fmt.Errorf("marshal request: %w", err))
	}

	if err := w.writeFrame(ctx, payload); err != nil {
		if ctx.Err() != nil {
			return nil, detection.ErrTimeout
		}
		return nil, detection.WrapError("worker", err)
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, detection.WrapError("worker", r.err)
		}
		return r.msg.Detections("worker")
	case <-ctx.Done():
		return nil, detection.ErrTimeout
	}
}

// writeFrame writes one length-prefixed message. A hung worker cannot block
// the caller past ctx.
func (w *Worker) writeFrame(ctx context.Context, payload []byte) error {
	done := make(chan error, 1)
	go func() {
		w.writeMu.Lock()
		defer w.writeMu.Unlock()

		var prefix [4]byte
		binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
		if _, err := w.stdin.Write(prefix[:]); err != nil {
			done <- fmt.Errorf("write length prefix: %w", err)
			return
		}
		if _, err := w.stdin.Write(payload); err != nil {
			done <- fmt.Errorf("write payload: %w", err)
			return
		}
		done <- nil
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) readResults(stdout io.Reader) {
	defer w.wg.Done()
	defer w.pipes.Done()

	r := bufio.NewReader(stdout)
	var lengthBuf [4]byte
	for {
		if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
			if !errors.Is(err, io.EOF) {
				w.logger.Error("failed to read length prefix from worker", "error", err)
			}
			return
		}

		n := binary.BigEndian.Uint32(lengthBuf[:])
		if n > maxWorkerMessage {
			w.logger.Error("worker message too large", "length", n)
			return
		}

		data := make([]byte, n)
		if _, err := io.ReadFull(r, data); err != nil {
			w.logger.Error("failed to read worker message", "error", err, "expected_length", n)
			return
		}

		var res WorkerReply
		if err := msgpack.Unmarshal(data, &res); err != nil {
			w.logger.Error("failed to unmarshal worker reply", "error", err, "data_length", n)
			continue
		}
		w.processed.Add(1)

		w.mu.Lock()
		ch, ok := w.waiting[res.Seq]
		if ok {
			delete(w.waiting, res.Seq)
		}
		w.mu.Unlock()

		if !ok {
			w.stale.Add(1)
			w.logger.Debug("discarding stale worker reply", "seq", res.Seq)
			continue
		}
		ch <- reply{msg: res.message()}
	}
}

// message converts the reply into the common envelope.
func (res WorkerReply) message() *protocol.Message {
	msg := &protocol.Message{Seq: res.Seq, Faces: res.Faces, Error: res.Error}
	switch {
	case res.Error != "":
		msg.Type = protocol.TypeError
	case len(res.Faces) == 0:
		msg.Type = protocol.TypeNoFaces
	default:
		msg.Type = protocol.TypeAnalysisComplete
	}
	return msg
}

// logStderr forwards worker stderr to the logger, mapping python-style levels.
func (w *Worker) logStderr(stderr io.Reader) {
	defer w.wg.Done()
	defer w.pipes.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]") || strings.Contains(line, "[CRITICAL]"):
			w.logger.Error("worker error", "log", line)
		case strings.Contains(line, "[WARNING]") || strings.Contains(line, "[WARN]"):
			w.logger.Warn("worker warning", "log", line)
		default:
			w.logger.Debug("worker log", "log", line)
		}
	}
}

func (w *Worker) waitProcess() {
	defer w.wg.Done()

	// Wait closes the pipes, so every read must finish first.
	w.pipes.Wait()
	err := w.cmd.Wait()

	w.mu.Lock()
	closed := w.closed
	if err == nil {
		err = errors.New("worker exited")
	}
	w.exited = fmt.Errorf("worker process: %w", err)
	waiting := w.waiting
	w.waiting = make(map[uint64]chan reply)
	w.mu.Unlock()

	if closed {
		w.logger.Debug("worker process exited (shutdown)")
	} else {
		w.logger.Error("worker process exited unexpectedly", "error", err)
	}
	for _, ch := range waiting {
		ch <- reply{err: w.exited}
	}
}

// Processed returns the number of replies read from the worker.
func (w *Worker) Processed() uint64 {
	return w.processed.Load()
}

// Close implements detection.Detector. stdin is closed so the worker can exit
// on its own; after StopTimeout the process is killed.
func (w *Worker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.stdin.Close()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(w.config.StopTimeout):
		w.logger.Warn("worker stop timeout, killing process")
		w.cancel()
		<-done
	}
	w.cancel()
	return nil
}
