package vstbridge

import (
	"fmt"
	"net"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/zap"
)

// GroupHost is the shared daemon that hosts every bridge of one plugin
// group inside a single process, so the images can see each other. It
// listens on the group's deterministic socket; each proxy connection
// carries one hostRequest naming an image and a session endpoint, and the
// daemon runs a Bridge for it.
//
// All dispatch handling and window-system work for every hosted session is
// funneled onto the goroutine that called Run, because the window system
// is single-threaded. MIDI, parameter, and audio traffic still runs on
// each bridge's own workers.
type GroupHost struct {
	listener net.Listener
	log      *zap.Logger
	loader   ImageLoader
	windows  WindowSystem

	sessions cmap.ConcurrentMap[string, *Bridge]

	mainQueue chan func()
	quit      chan struct{}
	quitOnce  sync.Once

	mu     sync.Mutex
	active int
	seen   bool
}

// GroupHostConfig configures a GroupHost. SocketPath is required.
type GroupHostConfig struct {
	// SocketPath is the group's deterministic socket, as produced by
	// GroupEndpoint.
	SocketPath string

	// Loader and Windows are shared by every hosted bridge. Same defaults
	// as BridgeConfig.
	Loader  ImageLoader
	Windows WindowSystem

	Logger *zap.Logger
}

// NewGroupHost binds the group socket. When two proxies race to spawn the
// daemon, the loser fails to bind here and should simply exit; the winner
// serves both.
func NewGroupHost(cfg GroupHostConfig) (*GroupHost, error) {
	if cfg.Loader == nil {
		cfg.Loader = LoadImage
	}
	if cfg.Windows == nil {
		cfg.Windows = noopWindows{}
	}
	if cfg.Logger == nil {
		cfg.Logger = NewLoggerFromEnv(SessionName(cfg.SocketPath))
	}

	listener, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: binding group socket %s: %v", ErrChannelSetup, cfg.SocketPath, err)
	}

	return &GroupHost{
		listener:  listener,
		log:       cfg.Logger,
		loader:    cfg.Loader,
		windows:   cfg.Windows,
		sessions:  cmap.New[*Bridge](),
		mainQueue: make(chan func(), 16),
		quit:      make(chan struct{}),
	}, nil
}

// Run serves group sessions until the last one ends, then returns. The
// calling goroutine becomes the window-system thread for every hosted
// editor: it alternates between executing posted dispatch work and pumping
// idle window-system events on a timer.
func (g *GroupHost) Run() error {
	go g.acceptLoop()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case fn := <-g.mainQueue:
			fn()
		case <-ticker.C:
			for item := range g.sessions.IterBuffered() {
				item.Val.PumpIdle()
			}
		case <-g.quit:
			g.listener.Close()
			// Drain work posted before the last session ended.
			for {
				select {
				case fn := <-g.mainQueue:
					fn()
				default:
					g.log.Info("last session ended, shutting down")
					return nil
				}
			}
		}
	}
}

func (g *GroupHost) acceptLoop() {
	for {
		conn, err := g.listener.Accept()
		if err != nil {
			return
		}
		go g.handleConnection(conn)
	}
}

// handleConnection runs one group session: read the request, bring the
// bridge up, serve it until the session ends, and keep the request
// connection open the whole time since the proxy waits on it.
func (g *GroupHost) handleConnection(conn net.Conn) {
	g.enter()
	defer g.leave()
	defer conn.Close()

	var req hostRequest
	if err := readFrame(conn, &req); err != nil {
		g.log.Warn("bad group host request", zap.Error(err))
		return
	}

	log := g.log.With(zap.String("session", SessionName(req.Endpoint)))
	log.Info("hosting group session", zap.String("image", req.ImagePath))

	bridge, err := NewBridge(BridgeConfig{
		ImagePath: req.ImagePath,
		Endpoint:  req.Endpoint,
		Loader:    g.loader,
		Windows:   g.windows,
		Logger:    log,
	})
	if err != nil {
		log.Error("bringing up group session", zap.Error(err))
		return
	}

	g.sessions.Set(req.Endpoint, bridge)
	defer g.sessions.Remove(req.Endpoint)

	if err := bridge.ServeOn(g.exec); err != nil {
		log.Error("group session failed", zap.Error(err))
		return
	}
	log.Info("group session ended")
}

// exec posts fn to the main goroutine. The bridge blocks until fn has run.
func (g *GroupHost) exec(fn func()) {
	select {
	case g.mainQueue <- fn:
	case <-g.quit:
		// Shutting down; run inline so the posting bridge cannot wedge.
		fn()
	}
}

func (g *GroupHost) enter() {
	g.mu.Lock()
	g.active++
	g.seen = true
	g.mu.Unlock()
}

func (g *GroupHost) leave() {
	g.mu.Lock()
	g.active--
	last := g.seen && g.active == 0
	g.mu.Unlock()
	if last {
		g.quitOnce.Do(func() { close(g.quit) })
	}
}

// Close shuts the daemon down regardless of active sessions.
func (g *GroupHost) Close() error {
	g.quitOnce.Do(func() { close(g.quit) })
	return g.listener.Close()
}
