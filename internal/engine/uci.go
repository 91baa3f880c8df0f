package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spressbot/spress/internal/obslog"
)

const uciReadyTimeout = 4 * time.Second

// UCI drives a persistent UCI engine subprocess (stockfish). A single pump
// goroutine owns stdout and feeds lines through a channel, so a timed-out
// search never leaves a second reader competing for the stream; the next
// search first discards the abandoned search's bestmove.
type UCI struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan string

	mu     sync.Mutex // guards stdin writes
	search sync.Mutex // one search at a time
	stale  bool       // a timed-out search may still owe a bestmove
}

// NewUCI starts binaryPath and completes the UCI handshake. ctx bounds the
// handshake only; the subprocess outlives it until Close.
func NewUCI(ctx context.Context, binaryPath string) (*UCI, error) {
	cmd := exec.Command(binaryPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutPipe.Close()
		return nil, fmt.Errorf("start engine: %w", err)
	}

	u := &UCI{cmd: cmd, stdin: stdin, lines: make(chan string, 64)}
	go u.readPump(stdoutPipe)
	if err := u.initialize(ctx); err != nil {
		u.Close()
		return nil, err
	}
	obslog.L().Info("uci_engine_started", zap.String("binary", binaryPath))
	return u, nil
}

func (u *UCI) readPump(r io.Reader) {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line = strings.TrimSpace(line); line != "" {
			u.lines <- line
		}
		if err != nil {
			close(u.lines)
			return
		}
	}
}

// BestMove searches the position to the given depth and returns the engine's
// move in UCI form.
func (u *UCI) BestMove(ctx context.Context, fen string, depth int) (string, error) {
	u.search.Lock()
	defer u.search.Unlock()

	if u.stale {
		if err := u.resync(ctx); err != nil {
			return "", err
		}
	}

	if depth < 1 {
		depth = 1
	}

	position := "position startpos\n"
	if strings.TrimSpace(fen) != "" && fen != "startpos" {
		position = "position fen " + fen + "\n"
	}
	if err := u.send(position); err != nil {
		return "", fmt.Errorf("send position: %w", err)
	}
	if err := u.send("go depth " + strconv.Itoa(depth) + "\n"); err != nil {
		return "", fmt.Errorf("send go: %w", err)
	}

	searchCtx, cancel := context.WithTimeout(ctx, searchTimeout(depth))
	defer cancel()

	for {
		line, err := u.readLine(searchCtx)
		if err != nil {
			u.stale = true
			return "", fmt.Errorf("read line: %w", err)
		}
		if !strings.HasPrefix(line, "bestmove") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 || parts[1] == "(none)" {
			return "", ErrNoMove
		}
		return parts[1], nil
	}
}

// resync finishes an abandoned search: stop the engine and discard the
// pending bestmove, so a stale answer is never matched against the wrong
// position.
func (u *UCI) resync(ctx context.Context) error {
	if err := u.send("stop\n"); err != nil {
		return fmt.Errorf("send stop: %w", err)
	}
	rctx, cancel := context.WithTimeout(ctx, uciReadyTimeout)
	defer cancel()
	for {
		line, err := u.readLine(rctx)
		if err != nil {
			return fmt.Errorf("engine did not answer stop: %w", err)
		}
		if strings.HasPrefix(line, "bestmove") {
			u.stale = false
			return nil
		}
	}
}

func searchTimeout(depth int) time.Duration {
	d := time.Duration(depth) * 300 * time.Millisecond
	if d < 6*time.Second {
		d = 6 * time.Second
	}
	if d > 20*time.Second {
		d = 20 * time.Second
	}
	return d
}

func (u *UCI) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.stdin != nil {
		u.stdin.Close()
	}
	if u.cmd != nil && u.cmd.Process != nil {
		_ = u.cmd.Process.Kill()
	}
	if u.cmd != nil {
		return u.cmd.Wait()
	}
	return nil
}

func (u *UCI) initialize(ctx context.Context) error {
	initCtx, cancel := context.WithTimeout(ctx, uciReadyTimeout)
	defer cancel()

	if err := u.send("uci\n"); err != nil {
		return fmt.Errorf("send uci: %w", err)
	}
	if err := u.awaitToken(initCtx, "uciok"); err != nil {
		return fmt.Errorf("wait uciok: %w", err)
	}
	if err := u.send("isready\n"); err != nil {
		return fmt.Errorf("send isready: %w", err)
	}
	if err := u.awaitToken(initCtx, "readyok"); err != nil {
		return fmt.Errorf("wait readyok: %w", err)
	}
	return nil
}

func (u *UCI) send(msg string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, err := io.WriteString(u.stdin, msg)
	return err
}

func (u *UCI) awaitToken(ctx context.Context, token string) error {
	for {
		line, err := u.readLine(ctx)
		if err != nil {
			return err
		}
		if strings.Contains(line, token) {
			return nil
		}
	}
}

func (u *UCI) readLine(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-u.lines:
		if !ok {
			return "", io.EOF
		}
		return line, nil
	}
}
