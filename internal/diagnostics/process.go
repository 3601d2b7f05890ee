package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"

	"github.com/erg0nix/notebookd/internal/errs"
	"github.com/erg0nix/notebookd/internal/rpc"
)

// MethodCheck is the JSON-RPC method a checker process must serve.
const MethodCheck = "diagnostics/check"

// ProcessChecker runs an external checker and talks JSON-RPC to it over
// stdin and stdout. The process starts on first use and is restarted after
// it dies or misbehaves.
type ProcessChecker struct {
	command string
	args    []string
	logger  *zap.Logger

	mu   sync.Mutex
	cmd  *exec.Cmd
	conn *rpc.Conn
}

func NewProcessChecker(command string, args []string, logger *zap.Logger) *ProcessChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessChecker{command: command, args: args, logger: logger}
}

func (p *ProcessChecker) Check(ctx context.Context, req Request) ([]Diagnostic, error) {
	conn, err := p.ensureRunning()
	if err != nil {
		return nil, err
	}

	var diags []Diagnostic
	if err := conn.Call(ctx, MethodCheck, req, &diags); err != nil {
		var rpcErr *rpc.Error
		if !errors.As(err, &rpcErr) && ctx.Err() == nil {
			p.stopProcess()
		}
		return nil, fmt.Errorf("diagnostics: %s: %w: %v", p.command, errs.ErrUnavailable, err)
	}
	return diags, nil
}

// Running reports the PID of the checker process, or 0.
func (p *ProcessChecker) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *ProcessChecker) Close() error {
	p.stopProcess()
	return nil
}

func (p *ProcessChecker) ensureRunning() (*rpc.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil {
		select {
		case <-p.conn.Done():
			p.killLocked()
		default:
			return p.conn, nil
		}
	}

	if p.command == "" {
		return nil, fmt.Errorf("diagnostics: %w: no checker command configured", errs.ErrUnavailable)
	}

	cmd := exec.Command(p.command, p.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("diagnostics: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("diagnostics: stdout pipe: %w", err)
	}
	cmd.Stderr = &zapio.Writer{Log: p.logger.Named("checker"), Level: zapcore.WarnLevel}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("diagnostics: start %s: %w: %v", p.command, errs.ErrUnavailable, err)
	}

	p.cmd = cmd
	p.conn = rpc.NewConn(nil, stdin, stdout)
	p.logger.Info("checker started", zap.String("command", p.command), zap.Int("pid", cmd.Process.Pid))

	conn := p.conn
	go func() {
		<-conn.Done()
		err := cmd.Wait()
		p.logger.Debug("checker exited", zap.String("command", p.command), zap.Error(err))
	}()

	return p.conn, nil
}

func (p *ProcessChecker) stopProcess() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.killLocked()
}

func (p *ProcessChecker) killLocked() {
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	p.cmd = nil
}
