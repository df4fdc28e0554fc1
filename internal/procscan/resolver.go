package procscan

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/skobkin/acceltop-web/internal/accel"
	"github.com/skobkin/acceltop-web/internal/config"
)

const maxCommandLen = 256

// Info describes a process as seen in /proc.
type Info struct {
	PID     int    `json:"pid"`
	UID     int    `json:"uid"`
	User    string `json:"user"`
	Name    string `json:"name"`
	Command string `json:"cmd"`
}

// Resolver annotates vendor-reported PIDs with /proc details and finds the
// processes holding device nodes open.
type Resolver struct {
	cfg      config.ProcConfig
	procRoot *os.Root
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	userCache map[int]string
	holders   map[string][]int
	scannedAt time.Time
	closeOnce sync.Once
	closeErr  error
}

// NewResolver opens procRoot ("/proc" when empty).
func NewResolver(cfg config.ProcConfig, procRoot string, logger *slog.Logger) (*Resolver, error) {
	if procRoot == "" {
		procRoot = "/proc"
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	root, err := os.OpenRoot(procRoot)
	if err != nil {
		return nil, fmt.Errorf("open proc root: %w", err)
	}
	return &Resolver{
		cfg:       cfg,
		procRoot:  root,
		logger:    logger.With("component", "procscan"),
		now:       time.Now,
		userCache: make(map[int]string),
	}, nil
}

// Lookup reads comm, cmdline and the owner of pid.
func (r *Resolver) Lookup(pid int) (Info, error) {
	if pid <= 0 {
		return Info{}, fmt.Errorf("invalid pid %d", pid)
	}
	procDir, err := r.procRoot.OpenRoot(strconv.Itoa(pid))
	if err != nil {
		return Info{}, err
	}
	defer procDir.Close()

	comm, err := readTrimmed(procDir, "comm")
	if err != nil {
		return Info{}, err
	}
	cmdline, err := procDir.ReadFile("cmdline")
	if err != nil {
		cmdline = nil
	}
	uid, err := readUID(procDir, "status")
	if err != nil {
		return Info{}, err
	}

	return Info{
		PID:     pid,
		UID:     uid,
		User:    r.lookupUser(uid),
		Name:    comm,
		Command: formatCmdline(cmdline),
	}, nil
}

// Annotate fills Name, Command and User of every process it can resolve.
// Processes that exited in the meantime are left as they are.
func (r *Resolver) Annotate(procs []accel.Process) {
	if !r.cfg.Enable {
		return
	}
	for i := range procs {
		info, err := r.Lookup(procs[i].PID)
		if err != nil {
			continue
		}
		procs[i].Name = info.Name
		procs[i].Command = info.Command
		procs[i].User = info.User
	}
}

// Holders returns the PIDs with an open descriptor on devicePath. The /proc
// walk is shared across calls made within one scan interval.
func (r *Resolver) Holders(devicePath string) []int {
	if !r.cfg.Enable || devicePath == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if r.holders == nil || now.Sub(r.scannedAt) >= r.cfg.ScanInterval {
		holders, err := r.scanHolders()
		if err != nil {
			r.logger.Warn("process scan failed", "err", err)
			return nil
		}
		r.holders = holders
		r.scannedAt = now
	}

	pids := r.holders[filepath.Clean(devicePath)]
	out := make([]int, len(pids))
	copy(out, pids)
	return out
}

func (r *Resolver) scanHolders() (map[string][]int, error) {
	entries, err := fs.ReadDir(r.procRoot.FS(), ".")
	if err != nil {
		return nil, err
	}

	holders := make(map[string][]int)
	scanned := 0
	for _, entry := range entries {
		if r.cfg.MaxPIDs > 0 && scanned >= r.cfg.MaxPIDs {
			break
		}
		if !entry.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid <= 0 {
			continue
		}
		scanned++

		procDir, err := r.procRoot.OpenRoot(entry.Name())
		if err != nil {
			continue
		}
		for _, target := range r.openDevices(procDir) {
			holders[target] = append(holders[target], pid)
		}
		if err := procDir.Close(); err != nil {
			r.logger.Debug("failed to close proc dir", "pid", pid, "err", err)
		}
	}
	return holders, nil
}

// openDevices lists the distinct /dev targets of a process's descriptors.
func (r *Resolver) openDevices(procDir *os.Root) []string {
	fdEntries, err := fs.ReadDir(procDir.FS(), "fd")
	if err != nil {
		return nil
	}

	seen := make(map[string]struct{})
	var out []string
	for i, fdEntry := range fdEntries {
		if r.cfg.MaxFDsPerPID > 0 && i >= r.cfg.MaxFDsPerPID {
			break
		}
		target, err := procDir.Readlink(filepath.Join("fd", fdEntry.Name()))
		if err != nil {
			continue
		}
		target = strings.TrimSuffix(target, " (deleted)")
		if !strings.HasPrefix(target, "/dev/") {
			continue
		}
		target = filepath.Clean(target)
		if _, ok := seen[target]; ok {
			continue
		}
		seen[target] = struct{}{}
		out = append(out, target)
	}
	return out
}

func (r *Resolver) lookupUser(uid int) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name, ok := r.userCache[uid]; ok {
		return name
	}
	name := strconv.Itoa(uid)
	if u, err := user.LookupId(name); err == nil && u.Username != "" {
		name = u.Username
	}
	r.userCache[uid] = name
	return name
}

// Close releases the /proc handle.
func (r *Resolver) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.procRoot.Close()
	})
	return r.closeErr
}

func readTrimmed(root *os.Root, name string) (string, error) {
	data, err := root.ReadFile(name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readUID(root *os.Root, name string) (int, error) {
	data, err := root.ReadFile(name)
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		rest, ok := strings.CutPrefix(line, "Uid:")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		return strconv.Atoi(fields[0])
	}
	return 0, errors.New("uid not found")
}

func formatCmdline(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	parts := strings.Split(string(data), "\x00")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part != "" {
			out = append(out, part)
		}
	}
	cmd := strings.Join(out, " ")
	if len(cmd) > maxCommandLen {
		return cmd[:maxCommandLen]
	}
	return cmd
}
