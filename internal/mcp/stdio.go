package mcp

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/jazzcort/nexa/internal/json"
)

// Writer sends protocol values to the server. Implementations must
// serialize concurrent Send calls so frames never interleave.
type Writer interface {
	Send(v any) error
	Close() error
}

// Reader yields one frame per Receive call. A Reader has exactly one
// consumer at a time.
type Reader interface {
	Receive() (Frame, error)
}

// maxLineSize bounds a single frame on the input stream.
const maxLineSize = 16 << 20

// stopTimeout is how long a subprocess gets to exit after stdin closes.
const stopTimeout = 5 * time.Second

// LineWriter writes values as newline-delimited JSON. Each Send encodes
// one value, appends a newline, writes and flushes while holding the
// lock, so concurrent senders never interleave partial lines.
type LineWriter struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
}

// NewLineWriter wraps w. If w is also an io.Closer, Close closes it.
func NewLineWriter(w io.Writer) *LineWriter {
	lw := &LineWriter{w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		lw.closer = c
	}
	return lw
}

// Send encodes v as a single JSON line and flushes it.
func (lw *LineWriter) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	data = append(data, '\n')

	lw.mu.Lock()
	defer lw.mu.Unlock()

	if _, err := lw.w.Write(data); err != nil {
		return ioError("write frame", err)
	}
	if err := lw.w.Flush(); err != nil {
		return ioError("flush frame", err)
	}
	return nil
}

// Close closes the underlying writer when it supports closing.
func (lw *LineWriter) Close() error {
	if lw.closer == nil {
		return nil
	}
	return lw.closer.Close()
}

// LineReader reads newline-delimited JSON-RPC frames. Each Receive
// consumes exactly one line.
type LineReader struct {
	r *bufio.Reader
}

// NewLineReader wraps r with a 1 MiB buffer.
func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{r: bufio.NewReaderSize(r, 1<<20)}
}

// Receive reads the next line and decodes it as a Frame. End of stream
// is reported as a ConnectionError("closed pipe").
func (lr *LineReader) Receive() (Frame, error) {
	line, err := lr.readLine()
	if err != nil {
		return Frame{}, err
	}
	return DecodeFrame(line)
}

func (lr *LineReader) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := lr.r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > maxLineSize {
			return nil, decodeError(fmt.Sprintf("frame exceeds %d bytes", maxLineSize), nil)
		}
		switch {
		case err == nil:
			line := bytes.TrimSpace(buf)
			if len(line) == 0 {
				// Blank lines carry no frame.
				buf = nil
				continue
			}
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF), errors.Is(err, os.ErrClosed), errors.Is(err, io.ErrClosedPipe):
			// A final unterminated line is not a complete frame.
			return nil, connectionError("closed pipe", nil)
		default:
			return nil, ioError("read frame", err)
		}
	}
}

// StdioConfig configures a subprocess MCP server that speaks
// newline-delimited JSON-RPC on stdin/stdout.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment.
	Env []string

	// Dir is the working directory. Empty means the current one.
	Dir string

	// Logger receives subprocess lifecycle and stderr lines.
	Logger *slog.Logger
}

// Spawn starts the subprocess and returns a writer over its stdin and a
// reader over its stdout. Closing the writer stops the subprocess.
func Spawn(cfg StdioConfig) (*LineWriter, *LineReader, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Command == "" {
		return nil, nil, connectionError("spawn: empty command", nil)
	}

	logger.Info("starting MCP subprocess",
		"command", cfg.Command,
		"args", cfg.Args,
	)

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Dir = cfg.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, connectionError("missing stdin", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, nil, connectionError("missing stdout", err)
	}

	// stderr is not part of the protocol.
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, nil, connectionError("missing stderr", err)
	}

	if err := cmd.Start(); err != nil {
		stderr.Close()
		stdout.Close()
		stdin.Close()
		return nil, nil, connectionError(fmt.Sprintf("start subprocess %s", cfg.Command), err)
	}

	proc := &process{
		cmd:    cmd,
		stdin:  stdin,
		logger: logger.With("pid", cmd.Process.Pid),
	}
	go proc.drainStderr(stderr)

	logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)

	w := NewLineWriter(stdin)
	w.closer = proc
	return w, NewLineReader(stdout), nil
}

// process owns a running subprocess.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *slog.Logger

	stopOnce sync.Once
	stopErr  error
}

// drainStderr reads stderr lines and logs them at debug level.
func (p *process) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		p.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// Close closes stdin, waits briefly for a graceful exit, then kills.
// It is safe to call more than once.
func (p *process) Close() error {
	p.stopOnce.Do(func() {
		p.logger.Info("stopping MCP subprocess")
		p.stdin.Close()

		// Wait closes stdout, which unblocks any pending read.
		done := make(chan error, 1)
		go func() { done <- p.cmd.Wait() }()

		timer := time.NewTimer(stopTimeout)
		defer timer.Stop()

		select {
		case err := <-done:
			p.logger.Debug("MCP subprocess exited", "error", err)
		case <-timer.C:
			p.logger.Warn("MCP subprocess did not exit gracefully, killing")
			if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				p.stopErr = fmt.Errorf("kill subprocess: %w", err)
			}
			<-done
		}
	})
	return p.stopErr
}
