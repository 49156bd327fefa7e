package vstbridge

import (
	"bufio"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// stdioCapture redirects the process's real stdout and stderr file
// descriptors into the logger. Plugin images write diagnostics straight to
// the inherited descriptors, and a group host has no terminal for them to
// land on, so without this that output is lost.
type stdioCapture struct {
	saved   [2]int
	writers [2]*os.File
}

// CaptureStdio swaps fds 1 and 2 for pipes whose read ends are relayed
// line by line into log. Call Restore to put the original descriptors
// back.
func CaptureStdio(log *zap.Logger) (*stdioCapture, error) {
	c := &stdioCapture{saved: [2]int{-1, -1}}

	streams := [2]struct {
		fd   int
		name string
	}{
		{1, "stdout"},
		{2, "stderr"},
	}

	for i, s := range streams {
		saved, err := unix.Dup(s.fd)
		if err != nil {
			c.Restore()
			return nil, err
		}
		c.saved[i] = saved

		r, w, err := os.Pipe()
		if err != nil {
			c.Restore()
			return nil, err
		}
		if err := unix.Dup2(int(w.Fd()), s.fd); err != nil {
			r.Close()
			w.Close()
			c.Restore()
			return nil, err
		}
		c.writers[i] = w

		go func(name string, r *os.File) {
			defer r.Close()
			scanner := bufio.NewScanner(r)
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for scanner.Scan() {
				log.Info(scanner.Text(), zap.String("stream", name))
			}
		}(s.name, r)
	}

	return c, nil
}

// Restore puts the original descriptors back and closes the pipes, which
// ends the relay goroutines once they drain.
func (c *stdioCapture) Restore() {
	for i, saved := range c.saved {
		if saved < 0 {
			continue
		}
		fd := i + 1
		_ = unix.Dup2(saved, fd)
		_ = unix.Close(saved)
		c.saved[i] = -1
	}
	for i, w := range c.writers {
		if w != nil {
			w.Close()
			c.writers[i] = nil
		}
	}
}
