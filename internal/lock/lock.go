package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const fileName = "LOCK"

// HeldError is returned when another process holds the instance lock.
type HeldError struct {
	PID  int
	Addr string
	Path string
}

func (e *HeldError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("instance lock held by PID %d serving %s (%s)", e.PID, e.Addr, e.Path)
	}
	return fmt.Sprintf("instance lock held by PID %d (%s)", e.PID, e.Path)
}

// Info is the content of a lock file.
type Info struct {
	PID     int
	Addr    string
	Started time.Time
}

// Lock represents an acquired instance lock file.
type Lock struct {
	file *os.File
	path string
}

// Acquire attempts to acquire an exclusive lock on the instance directory and
// records the holder's PID and HTTP address in it.
// Returns HeldError if another process already holds it.
func Acquire(dir, addr string) (*Lock, error) {
	lockPath := filepath.Join(dir, fileName)

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create instance dir: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		data, _ := os.ReadFile(lockPath)
		info := parse(string(data))
		_ = f.Close()
		return nil, &HeldError{PID: info.PID, Addr: info.Addr, Path: lockPath}
	}

	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, 0); err != nil {
		_ = f.Close()
		return nil, err
	}
	content := fmt.Sprintf("pid=%d\naddr=%s\ntime=%s\n", os.Getpid(), addr, time.Now().UTC().Format(time.RFC3339))
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return nil, err
	}

	return &Lock{file: f, path: lockPath}, nil
}

// Read returns the holder recorded in dir's lock file.
func Read(dir string) (Info, error) {
	data, err := os.ReadFile(filepath.Join(dir, fileName))
	if err != nil {
		return Info{}, err
	}
	return parse(string(data)), nil
}

// Release releases the lock. Safe to call on nil receiver.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove lock file before closing to avoid stale files.
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

func parse(content string) Info {
	var info Info
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			info.PID, _ = strconv.Atoi(value)
		case "addr":
			info.Addr = value
		case "time":
			info.Started, _ = time.Parse(time.RFC3339, value)
		}
	}
	return info
}
