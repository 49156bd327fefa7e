package vstbridge

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// LaunchSpec carries everything a strategy needs to get a bridge host up
// and pointed at the session endpoint.
type LaunchSpec struct {
	// HostPath is the bridge host executable matching the image's
	// architecture.
	HostPath string

	// ImagePath is the plugin image the host must load.
	ImagePath string

	// Endpoint is the session's Unix socket path. The proxy is already
	// listening on it when Launch is called.
	Endpoint string

	// Prefix is the runtime prefix the image lives in, empty if none was
	// found.
	Prefix string

	// Group names the plugin group for grouped hosting, empty for an
	// individual host process.
	Group string

	Arch   Architecture
	Logger *zap.Logger
}

// Handle tracks a launched bridge host for the lifetime of one session.
type Handle interface {
	// Wait blocks until the host side of the session has gone away.
	Wait() error

	// Terminate tears the host side down without waiting for it.
	Terminate() error
}

// LaunchStrategy starts the process (or group session) that will run the
// bridge half of a session. ChooseLaunchStrategy picks the production
// implementation; tests substitute in-process ones.
type LaunchStrategy interface {
	Launch(spec LaunchSpec) (Handle, error)
}

// ChooseLaunchStrategy returns the group strategy when the configuration
// assigns the image to a group, and the per-process strategy otherwise.
func ChooseLaunchStrategy(config Configuration) LaunchStrategy {
	if config.Group != "" {
		return &GroupLaunch{}
	}
	return &ProcessLaunch{}
}

// ProcessLaunch runs a dedicated bridge host process per session. This is
// the default: sessions are fully isolated and a crashing image takes down
// only its own host.
type ProcessLaunch struct{}

func (*ProcessLaunch) Launch(spec LaunchSpec) (Handle, error) {
	cmd := exec.Command(spec.HostPath, spec.ImagePath, spec.Endpoint)
	cmd.Env = os.Environ()
	if spec.Prefix != "" {
		cmd.Env = append(cmd.Env, PrefixEnv+"="+spec.Prefix)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("launching %s: %w", spec.HostPath, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("launching %s: %w", spec.HostPath, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launching %s: %w", spec.HostPath, err)
	}

	// The host's own output goes through our log so everything about one
	// session ends up in one place.
	go relayOutput(spec.Logger, "host stdout", stdout)
	go relayOutput(spec.Logger, "host stderr", stderr)

	spec.Logger.Info("launched bridge host",
		zap.String("host", spec.HostPath),
		zap.Int("pid", cmd.Process.Pid),
		zap.String("runtime", RuntimeVersion()))

	return &processHandle{cmd: cmd}, nil
}

type processHandle struct {
	cmd *exec.Cmd
}

func (h *processHandle) Wait() error { return h.cmd.Wait() }

func (h *processHandle) Terminate() error {
	if err := h.cmd.Process.Kill(); err != nil {
		return err
	}
	return h.cmd.Wait()
}

// GroupLaunch runs the session inside a shared group host process. The
// first session for a group spawns the daemon; later sessions find its
// deterministic socket already there and just connect.
type GroupLaunch struct {
	// SocketDir overrides where group sockets live. Defaults to the
	// system temporary directory.
	SocketDir string
}

// hostRequest is the one frame a proxy sends on a group daemon connection.
// The daemon dials the session endpoint in response and keeps this
// connection open for as long as the session lives.
type hostRequest struct {
	ImagePath string
	Endpoint  string
}

func (g *GroupLaunch) Launch(spec LaunchSpec) (Handle, error) {
	dir := g.SocketDir
	if dir == "" {
		dir = os.TempDir()
	}
	groupSocket := GroupEndpoint(dir, spec.Group, spec.Prefix, spec.Arch)

	conn, err := net.Dial("unix", groupSocket)
	if err != nil {
		// No daemon yet. Spawn one and retry the dial until it has bound
		// its socket. Two proxies racing here may both spawn; the loser's
		// daemon fails to bind and exits, which is harmless.
		hostPath, err := FindHostExecutable(spec.Arch, true)
		if err != nil {
			return nil, err
		}
		cmd := exec.Command(hostPath, groupSocket)
		cmd.Env = os.Environ()
		if spec.Prefix != "" {
			cmd.Env = append(cmd.Env, PrefixEnv+"="+spec.Prefix)
		}
		cmd.Stdout = nil
		cmd.Stderr = nil
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("launching %s: %w", hostPath, err)
		}
		// The daemon outlives any one session, so don't hold onto the
		// process. It reaps itself when its last session ends.
		go func() { _ = cmd.Wait() }()

		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = 20 * time.Millisecond
		policy.MaxElapsedTime = 15 * time.Second
		conn, err = backoff.RetryWithData(func() (net.Conn, error) {
			return net.Dial("unix", groupSocket)
		}, policy)
		if err != nil {
			return nil, fmt.Errorf("%w: group host on %s never came up: %v",
				ErrHostNotFound, groupSocket, err)
		}
		spec.Logger.Info("spawned group host",
			zap.String("group", spec.Group),
			zap.String("socket", groupSocket))
	}

	if err := writeFrame(conn, hostRequest{ImagePath: spec.ImagePath, Endpoint: spec.Endpoint}); err != nil {
		conn.Close()
		return nil, err
	}

	return &groupHandle{conn: conn}, nil
}

type groupHandle struct {
	conn net.Conn
}

func (h *groupHandle) Wait() error {
	_, err := io.Copy(io.Discard, h.conn)
	return err
}

func (h *groupHandle) Terminate() error { return h.conn.Close() }

func relayOutput(log *zap.Logger, stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		log.Info(scanner.Text(), zap.String("stream", stream))
	}
}
