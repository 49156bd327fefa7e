package vstbridge

import (
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// BridgeConfig configures a Bridge. ImagePath and Endpoint are required;
// the rest default to the production implementations so tests can inject
// fakes.
type BridgeConfig struct {
	// ImagePath is the plugin image to load.
	ImagePath string

	// Endpoint is the Unix socket path the proxy is listening on.
	Endpoint string

	// Loader loads the image. Defaults to LoadImage.
	Loader ImageLoader

	// Windows is the windowing layer editors are embedded into. Defaults
	// to a no-op implementation for headless use.
	Windows WindowSystem

	// Logger defaults to NewLoggerFromEnv with the endpoint-derived
	// session name.
	Logger *zap.Logger
}

// Bridge runs inside the compatibility-layer process. It loads the real
// plugin image, receives calls forwarded by the proxy over the five
// category channels, invokes the image's entry points, and forwards the
// image's host callbacks back the other way.
//
// Threading: the MIDI, parameter, and audio workers each run their own
// blocking receive loop for the whole session. The dispatch loop is driven
// by the caller through Serve or ServeOn, because whichever goroutine runs
// it also owns all window-system interaction.
type Bridge struct {
	channels *ChannelSet
	image    PluginImage
	windows  WindowSystem
	log      *zap.Logger
	endpoint string

	// callbackMu serializes host callbacks: the image may call back from
	// several worker goroutines at once, and interleaved frames on the one
	// callback channel would corrupt the protocol. Held for exactly one
	// round trip.
	callbackMu sync.Mutex

	// timeInfo is the cached reply of the last HostOpGetTime query. The
	// image receives a pointer to it, so it must stay valid until the next
	// query overwrites it. Guarded by callbackMu.
	timeInfo *TimeInfo

	// pendingBatches holds MIDI batches whose events the image may still
	// point into. Batches delivered before audio block N are released only
	// after block N's processing call returns. Guarded by batchMu, since
	// reception and consumption run on different goroutines.
	batchMu        sync.Mutex
	pendingBatches []*EventBatch

	// editor is only read and written by the goroutine driving the
	// dispatch loop.
	editor editorState

	workers *errgroup.Group

	mu      sync.Mutex
	closing bool
}

// NewBridge loads the plugin image and establishes the five category
// channels. Any failure is fatal: there is no partial or degraded startup.
// On success the MIDI, parameter, and audio workers are already running;
// the caller must then drive the dispatch loop with Serve or ServeOn.
func NewBridge(cfg BridgeConfig) (*Bridge, error) {
	if cfg.Loader == nil {
		cfg.Loader = LoadImage
	}
	if cfg.Windows == nil {
		cfg.Windows = noopWindows{}
	}
	if cfg.Logger == nil {
		cfg.Logger = NewLoggerFromEnv(SessionName(cfg.Endpoint))
	}

	b := &Bridge{
		windows:  cfg.Windows,
		log:      cfg.Logger,
		endpoint: cfg.Endpoint,
		editor:   editorClosed{},
	}

	// Channels come up before the image: images routinely perform host
	// callbacks while still initializing.
	channels, err := DialChannels(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	b.channels = channels

	image, err := cfg.Loader(cfg.ImagePath, b.hostCallback)
	if err != nil {
		channels.Close()
		return nil, err
	}
	b.image = image

	// The one-time descriptor exchange: the proxy needs the image's
	// descriptor before it can expose anything to its host. Runtime
	// changes go through HostOpDescriptorChanged instead.
	if err := channels.Dispatch.Send(EventResult{Payload: image.Descriptor()}); err != nil {
		channels.Close()
		return nil, err
	}

	b.log.Info("bridge initialized",
		zap.String("image", cfg.ImagePath),
		zap.String("endpoint", cfg.Endpoint))

	b.workers = &errgroup.Group{}
	b.workers.Go(b.handleMIDIEvents)
	b.workers.Go(b.handleParameters)
	b.workers.Go(b.handleAudio)

	return b, nil
}

// Serve runs the dispatch loop on the calling goroutine until the session
// ends. The calling goroutine becomes the window-system thread: editor
// windows are created, pumped, and destroyed from it and nowhere else.
func (b *Bridge) Serve() error {
	err := b.dispatchLoop(func(fn func()) { fn() }, true)
	return b.finish(err)
}

// ServeOn is Serve for bridges hosted in a group process: every dispatch
// invocation is posted through exec, which must run it on the group's one
// window-system goroutine. Event pumping is not done per call; the group
// host drives PumpIdle on a timer from that same goroutine.
func (b *Bridge) ServeOn(exec func(func())) error {
	err := b.dispatchLoop(exec, false)
	return b.finish(err)
}

func (b *Bridge) dispatchLoop(exec func(func()), pump bool) error {
	for {
		var ev Event
		if err := b.channels.Dispatch.Receive(&ev); err != nil {
			return err
		}

		var result EventResult
		done := make(chan struct{})
		exec(func() {
			result = b.dispatchWrapper(ev)
			close(done)
		})
		<-done

		if err := b.channels.Dispatch.Send(result); err != nil {
			return err
		}

		if Opcode(ev.Op) == OpClose {
			// The proxy tears the session down right after this reply.
			return nil
		}

		if pump {
			exec(func() { b.PumpIdle() })
		}
	}
}

// finish classifies the dispatch loop's exit, tears the channels down, and
// waits for the workers. A peer that simply went away is a normal session
// end; a corrupted stream is reported.
func (b *Bridge) finish(err error) error {
	b.mu.Lock()
	wasClosing := b.closing
	b.closing = true
	b.mu.Unlock()
	b.channels.Close()
	_ = b.workers.Wait()

	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	// Closed-connection errors during a deliberate shutdown are expected.
	if wasClosing && !errors.Is(err, ErrProtocol) {
		return nil
	}
	return err
}

// sessionEnded reports whether a worker receive error means the session is
// simply over rather than broken.
func (b *Bridge) sessionEnded(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closing
}

// dispatchWrapper invokes the image for one generic dispatch event,
// intercepting the editor opcodes to run the open/close state machine.
// Runs on the window-system goroutine only.
func (b *Bridge) dispatchWrapper(ev Event) EventResult {
	op := Opcode(ev.Op)
	b.log.Debug("dispatch", zap.Int32("op", ev.Op), zap.Int32("index", ev.Index))

	switch op {
	case OpEditorRect:
		// Hosts query the rectangle right before opening. Some images
		// assume the editor is live from this moment on, and pumping
		// window-system events between this call and the open call makes
		// them crash or loop forever, so mark the editor as opening to
		// keep PumpIdle out of the way until the open arrives.
		if _, closed := b.editor.(editorClosed); closed {
			b.editor = editorOpening{}
		}
		var rect Rect
		ret := b.image.Dispatch(op, ev.Index, ev.Value, &rect, ev.Option)
		return EventResult{Return: ret, Payload: rect}

	case OpEditorOpen:
		parent, _ := ev.Payload.(uint64)
		// Window classes must be unique per process; a group host runs
		// several editors, so the endpoint disambiguates.
		window, err := b.windows.CreateWindow("vstbridge editor "+b.endpoint, parent)
		if err != nil {
			b.log.Error("creating editor window", zap.Error(err))
			b.editor = editorClosed{}
			return EventResult{Return: 0}
		}
		ret := b.image.Dispatch(op, ev.Index, ev.Value, window.Handle(), ev.Option)
		b.editor = editorOpen{window: window}
		return EventResult{Return: ret}

	case OpEditorClose:
		ret := b.image.Dispatch(op, ev.Index, ev.Value, nil, ev.Option)
		if open, ok := b.editor.(editorOpen); ok {
			open.window.Close()
		}
		b.editor = editorClosed{}
		return EventResult{Return: ret}

	case OpGetChunk:
		var chunk []byte
		ret := b.image.Dispatch(op, ev.Index, ev.Value, &chunk, ev.Option)
		return EventResult{Return: ret, Payload: chunk}

	default:
		ret := b.image.Dispatch(op, ev.Index, ev.Value, ev.Payload, ev.Option)
		return EventResult{Return: ret}
	}
}

// PumpIdle drains window-system events while the dispatch channel is
// otherwise idle. Never pumps while the editor is opening; pumps through
// the editor window while open; otherwise pumps the application queue,
// since some images defer non-editor work through it. Must be called from
// the window-system goroutine.
func (b *Bridge) PumpIdle() {
	switch state := b.editor.(type) {
	case editorOpening:
		// Deliberately nothing until the open or close call arrives.
	case editorOpen:
		state.window.PumpEvents()
	case editorClosed:
		b.windows.PumpEvents()
	}
}

// handleMIDIEvents is the MIDI worker loop. It exists apart from generic
// dispatch so event delivery keeps working while the dispatch goroutine is
// stuck inside a modal window-system call.
func (b *Bridge) handleMIDIEvents() error {
	for {
		var ev Event
		if err := b.channels.MIDI.Receive(&ev); err != nil {
			if b.sessionEnded(err) {
				return nil
			}
			return err
		}

		var result EventResult
		if Opcode(ev.Op) == OpProcessEvents {
			result = b.deliverBatch(ev)
		} else {
			// Should never happen; handle it anyway rather than wedging
			// the channel.
			b.log.Warn("non-MIDI event on MIDI channel", zap.Int32("op", ev.Op))
			result = b.dispatchWrapper(ev)
		}

		if err := b.channels.MIDI.Send(result); err != nil {
			if b.sessionEnded(err) {
				return nil
			}
			return err
		}
	}
}

// deliverBatch retains the batch and hands the image a pointer into the
// retained copy, not the decode-scratch one. Most images copy the events
// they are given, but a few only store pointers, so the batch has to
// outlive this call: it stays in pendingBatches until the next audio block
// finishes processing.
func (b *Bridge) deliverBatch(ev Event) EventResult {
	batch, ok := ev.Payload.(EventBatch)
	if !ok {
		b.log.Warn("process-events without batch payload")
		return EventResult{}
	}

	b.batchMu.Lock()
	b.pendingBatches = append(b.pendingBatches, &batch)
	retained := b.pendingBatches[len(b.pendingBatches)-1]
	b.batchMu.Unlock()

	ret := b.image.Dispatch(OpProcessEvents, ev.Index, ev.Value, retained, ev.Option)
	return EventResult{Return: ret}
}

// handleParameters is the parameter worker loop. Get and set share one
// channel since they mostly overlap; the presence of the value field tells
// them apart.
func (b *Bridge) handleParameters() error {
	for {
		var req Parameter
		if err := b.channels.Parameters.Receive(&req); err != nil {
			if b.sessionEnded(err) {
				return nil
			}
			return err
		}

		var resp ParameterResult
		if req.Value != nil {
			b.image.SetParameter(req.Index, *req.Value)
		} else {
			value := b.image.GetParameter(req.Index)
			resp.Value = &value
		}

		if err := b.channels.Parameters.Send(resp); err != nil {
			if b.sessionEnded(err) {
				return nil
			}
			return err
		}
	}
}

// handleAudio is the audio worker loop. Output buffers are reused across
// blocks to keep allocations off the processing path.
func (b *Bridge) handleAudio() error {
	var outputs [][]float32

	for {
		var req AudioBuffers
		if err := b.channels.Audio.Receive(&req); err != nil {
			if b.sessionEnded(err) {
				return nil
			}
			return err
		}

		// The image can change its output configuration at runtime, so
		// re-check every block.
		numOutputs := int(b.image.Descriptor().NumOutputs)
		outputs = resizeBuffers(outputs, numOutputs, int(req.Frames))

		// Snapshot how many batches predate this block. Processing runs
		// without the lock so new batches can keep arriving; only the
		// batches the image saw before this block are released afterwards.
		b.batchMu.Lock()
		retained := len(b.pendingBatches)
		b.batchMu.Unlock()

		b.image.Process(req.Buffers, outputs, req.Frames)

		b.batchMu.Lock()
		b.pendingBatches = append([]*EventBatch(nil), b.pendingBatches[retained:]...)
		b.batchMu.Unlock()

		if err := b.channels.Audio.Send(AudioBuffers{Buffers: outputs, Frames: req.Frames}); err != nil {
			if b.sessionEnded(err) {
				return nil
			}
			return err
		}
	}
}

// hostCallback forwards a callback from the image to the remote host and
// returns its result. Called from any of the bridge's worker goroutines,
// and from image initialization before NewBridge has even returned.
func (b *Bridge) hostCallback(op HostOp, index int32, value int64, data any, option float32) (int64, any) {
	ev := Event{
		Op:     int32(op),
		Index:  index,
		Value:  value,
		Option: option,
	}

	switch op {
	case HostOpProcessEvents:
		switch batch := data.(type) {
		case EventBatch:
			ev.Payload = batch
		case *EventBatch:
			ev.Payload = *batch
		}
	case HostOpDescriptorChanged:
		if b.image != nil {
			ev.Payload = b.image.Descriptor()
		}
	default:
		switch payload := data.(type) {
		case string:
			ev.Payload = payload
		case []byte:
			ev.Payload = payload
		}
	}

	// One full round trip under the guard: the image may call back
	// concurrently from the audio and dispatch workers, and the single
	// callback channel cannot take interleaved frames.
	b.callbackMu.Lock()
	defer b.callbackMu.Unlock()

	var result EventResult
	if err := b.channels.Callback.RoundTrip(ev, &result); err != nil {
		if !b.sessionEnded(err) {
			b.log.Error("host callback failed", zap.Int32("op", int32(op)), zap.Error(err))
		}
		return 0, nil
	}

	if op == HostOpGetTime {
		// Cache the record and hand out a pointer to the cache: it stays
		// valid until the next query overwrites it, or nil when the host
		// has no time information to give.
		if info, ok := result.Payload.(TimeInfo); ok {
			b.timeInfo = &info
		} else {
			b.timeInfo = nil
		}
		if b.timeInfo == nil {
			return result.Return, nil
		}
		return result.Return, b.timeInfo
	}

	return result.Return, result.Payload
}

// Close ends the session from the bridge side. Normally the proxy ends it
// instead by closing its sockets.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		return nil
	}
	b.closing = true
	b.mu.Unlock()
	return b.channels.Close()
}

func resizeBuffers(buffers [][]float32, channels, frames int) [][]float32 {
	if len(buffers) != channels {
		buffers = make([][]float32, channels)
	}
	for i := range buffers {
		if cap(buffers[i]) < frames {
			buffers[i] = make([]float32, frames)
		}
		buffers[i] = buffers[i][:frames]
		for j := range buffers[i] {
			buffers[i][j] = 0
		}
	}
	return buffers
}

// noopWindows is the headless default window system.
type noopWindows struct{}

func (noopWindows) CreateWindow(string, uint64) (EditorWindow, error) { return noopWindow{}, nil }
func (noopWindows) PumpEvents()                                       {}

type noopWindow struct{}

func (noopWindow) Handle() uint64 { return 0 }
func (noopWindow) PumpEvents()    {}
func (noopWindow) Close()         {}
