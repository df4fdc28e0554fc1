package tpu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skobkin/acceltop-web/internal/accel"
)

const (
	DefaultPython         = "python3"
	DefaultInterval       = time.Second
	DefaultSleepSlice     = 10 * time.Millisecond
	DefaultCommandTimeout = 30 * time.Second

	maxFailureStreak = 16
	resetStreak      = 2
)

// State is the poller lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Strategy is how the query script is invoked.
type Strategy int32

const (
	// StrategyCompiled runs a byte-compiled copy of the script.
	StrategyCompiled Strategy = iota
	// StrategyInline passes the script source with -c.
	StrategyInline
)

func (s Strategy) String() string {
	if s == StrategyInline {
		return "inline"
	}
	return "compiled"
}

// Protocol selects how malformed or out-of-order output is handled.
type Protocol int

const (
	// ProtocolTolerant logs the violation, drops the rest of that poll's
	// output and counts the poll as failed.
	ProtocolTolerant Protocol = iota
	// ProtocolStrict stops polling and reports the violation through OnFatal.
	ProtocolStrict
)

// ParseProtocol parses "tolerant" or "strict".
func ParseProtocol(value string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "tolerant":
		return ProtocolTolerant, nil
	case "strict":
		return ProtocolStrict, nil
	default:
		return ProtocolTolerant, fmt.Errorf("unknown protocol policy %q", value)
	}
}

// PollerConfig tunes the background poller. Zero values select defaults.
type PollerConfig struct {
	Python         string
	Interval       time.Duration
	SleepSlice     time.Duration
	CommandTimeout time.Duration
	Protocol       Protocol
	// FullReset also clears identity fields when a failure streak resets the
	// buffer.
	FullReset bool
	// TempDir hosts the compiled script; "" uses os.TempDir.
	TempDir string
	Runner  Runner
	// OnFatal is called once from the poller goroutine when a strict
	// protocol violation stops polling.
	OnFatal func(error)
}

func (c PollerConfig) withDefaults() PollerConfig {
	if c.Python == "" {
		c.Python = DefaultPython
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.SleepSlice <= 0 {
		c.SleepSlice = DefaultSleepSlice
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.Runner == nil {
		c.Runner = ExecRunner{Timeout: c.CommandTimeout}
	}
	return c
}

// Poller refreshes a Buffer from the query subprocess on a background
// goroutine.
type Poller struct {
	cfg    PollerConfig
	buf    *Buffer
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	cancel   context.CancelFunc
	done     chan struct{}
	stopping atomic.Bool

	strategy atomic.Int32
	missing  atomic.Bool
	streak   atomic.Int32
	polls    atomic.Uint64
	fatal    atomic.Pointer[error]

	// Owned by the poller goroutine while running.
	argv    []string
	tempDir string
}

// NewPoller returns a stopped poller that publishes into buf.
func NewPoller(buf *Buffer, cfg PollerConfig, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Poller{
		cfg:    cfg.withDefaults(),
		buf:    buf,
		logger: logger,
	}
}

// Start launches the polling goroutine unless it is already running or the
// backend has been disabled.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateStopped || p.missing.Load() || p.fatal.Load() != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.stopping.Store(false)
	p.state = StateRunning
	go p.loop(ctx, p.done)
}

// Stop cancels polling and waits for the goroutine to exit. The wait is
// bounded by one sleep slice plus killing an in-flight subprocess. Stop is
// safe to call repeatedly and concurrently.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.state == StateStopped {
		p.mu.Unlock()
		return
	}
	done := p.done
	first := p.state == StateRunning
	if first {
		p.state = StateStopping
		p.stopping.Store(true)
		p.cancel()
	}
	p.mu.Unlock()

	<-done
	if !first {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeTempDir()
	p.argv = nil
	p.state = StateStopped
}

// State reports the lifecycle state.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Strategy reports the invocation strategy in use.
func (p *Poller) Strategy() Strategy { return Strategy(p.strategy.Load()) }

// Missing reports whether the tool was found to be absent.
func (p *Poller) Missing() bool { return p.missing.Load() }

// FailureStreak reports the number of consecutive failed polls.
func (p *Poller) FailureStreak() int { return int(p.streak.Load()) }

// Polls reports the number of completed polls.
func (p *Poller) Polls() uint64 { return p.polls.Load() }

// Err returns the strict protocol violation that stopped polling, if any.
func (p *Poller) Err() error {
	if e := p.fatal.Load(); e != nil {
		return *e
	}
	return nil
}

func (p *Poller) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		p.mu.Lock()
		if p.state == StateRunning {
			// Stopped on its own: tool missing or strict protocol failure.
			p.removeTempDir()
			p.argv = nil
			p.state = StateStopped
			p.cancel()
		}
		p.mu.Unlock()
		close(done)
	}()

	for !p.stopping.Load() {
		started := time.Now()
		keepGoing := p.poll(ctx)
		p.polls.Add(1)
		if !keepGoing {
			return
		}
		for {
			time.Sleep(p.cfg.SleepSlice)
			if p.stopping.Load() || time.Since(started) >= p.cfg.Interval {
				break
			}
		}
	}
}

// poll runs the query once and publishes the result. It reports false when
// polling must stop for good.
func (p *Poller) poll(ctx context.Context) bool {
	argv := p.command(ctx)
	if argv == nil {
		return false
	}

	var (
		id       int
		missing  bool
		protoErr error
	)
	limit := min(p.buf.Len(), MaxChips)
	runErr := p.cfg.Runner.Run(ctx, argv, func(line string) bool {
		if strings.TrimSpace(line) == "" {
			return true
		}
		if id == 0 && IsMissingSentinel(line) {
			missing = true
			return false
		}
		if id >= limit {
			return false
		}
		rec, err := ParseLine(line)
		if err != nil {
			protoErr = err
			return false
		}
		if rec.DeviceID != int64(id) {
			protoErr = fmt.Errorf("%w: out of order device %d on line %d", accel.ErrProtocol, rec.DeviceID, id)
			return false
		}
		p.buf.Store(id, rec)
		id++
		return true
	})

	if p.stopping.Load() {
		return false
	}

	switch {
	case missing || errors.Is(runErr, accel.ErrToolMissing):
		p.missing.Store(true)
		p.logger.Warn("tpu_info unavailable, disabling backend", "err", runErr)
		return false
	case protoErr != nil:
		if p.cfg.Protocol == ProtocolStrict {
			p.fatal.Store(&protoErr)
			p.logger.Error("tpu protocol violation", "err", protoErr)
			if p.cfg.OnFatal != nil {
				p.cfg.OnFatal(protoErr)
			}
			return false
		}
		p.logger.Warn("tpu protocol violation", "err", protoErr, "records", id)
		p.fail()
	case runErr != nil || id == 0:
		if runErr != nil {
			p.logger.Warn("tpu query failed", "err", runErr, "strategy", p.Strategy().String(), "records", id)
		}
		// Any poll without data lines retires the compiled artifact.
		if id == 0 && p.Strategy() == StrategyCompiled {
			p.logger.Info("compiled tpu query produced no data, switching to inline")
			p.useInline()
		}
		p.fail()
	default:
		p.streak.Store(0)
	}
	return true
}

func (p *Poller) fail() {
	streak := min(p.streak.Load()+1, maxFailureStreak)
	p.streak.Store(streak)
	if streak >= resetStreak {
		p.buf.Reset(p.cfg.FullReset)
	}
}

// command returns the cached argv, building it on first use. A failed
// compile falls back to the inline strategy.
func (p *Poller) command(ctx context.Context) []string {
	if p.argv != nil {
		return p.argv
	}
	if p.Strategy() == StrategyCompiled {
		argv, err := p.compile(ctx)
		if err == nil {
			p.argv = argv
			return p.argv
		}
		if p.stopping.Load() {
			return nil
		}
		p.logger.Info("tpu query compile failed, switching to inline", "err", err)
		p.useInline()
	}
	p.argv = []string{p.cfg.Python, "-c", queryScript}
	return p.argv
}

func (p *Poller) compile(ctx context.Context) ([]string, error) {
	dir, err := os.MkdirTemp(p.cfg.TempDir, "acceltop-tpu-")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	p.tempDir = dir

	src := filepath.Join(dir, "query_tpu.py")
	if err := os.WriteFile(src, []byte(queryScript), 0o600); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}
	pyc := src + "c"
	argv := []string{p.cfg.Python, "-c", compileScript, src, pyc}
	if err := p.cfg.Runner.Run(ctx, argv, func(string) bool { return true }); err != nil {
		return nil, fmt.Errorf("compile script: %w", err)
	}
	if _, err := os.Stat(pyc); err != nil {
		return nil, fmt.Errorf("compiled script: %w", err)
	}
	return []string{p.cfg.Python, pyc}, nil
}

func (p *Poller) useInline() {
	p.strategy.Store(int32(StrategyInline))
	p.argv = nil
	p.removeTempDir()
}

func (p *Poller) removeTempDir() {
	if p.tempDir == "" {
		return
	}
	if err := os.RemoveAll(p.tempDir); err != nil {
		p.logger.Debug("remove tpu temp dir failed", "path", p.tempDir, "err", err)
	}
	p.tempDir = ""
}
