package vstbridge

import (
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
)

// ProxyConfig configures a Proxy. ProxyPath and Callback are required.
type ProxyConfig struct {
	// ProxyPath is the path the native host loaded this proxy from. The
	// plugin image is found next to it, and configuration is searched
	// upward from it.
	ProxyPath string

	// ImageExt is the file extension of plugin images, including the dot.
	ImageExt string

	// Callback receives host callbacks forwarded from the remote image.
	Callback HostCallback

	// Strategy launches the bridge host. Defaults to the one
	// ChooseLaunchStrategy picks from the loaded configuration.
	Strategy LaunchStrategy

	// Logger defaults to NewLoggerFromEnv with the endpoint-derived
	// session name.
	Logger *zap.Logger
}

// Proxy is the host-side half of a session. It stands in for the plugin
// image inside the native host: it implements PluginImage, and every call
// on it is forwarded over the category channels to the Bridge in the
// compatibility-layer process.
//
// Methods in a given category may not be called concurrently with each
// other; this mirrors what plugin hosts guarantee. Calls in different
// categories run concurrently, each on its own channel.
type Proxy struct {
	channels *ChannelSet
	listener net.Listener
	handle   Handle
	log      *zap.Logger

	callback  HostCallback
	config    Configuration
	arch      Architecture
	imagePath string
	endpoint  string

	descMu     sync.Mutex
	descriptor Descriptor

	dispatchMu sync.Mutex
	midiMu     sync.Mutex
	paramMu    sync.Mutex
	audioMu    sync.Mutex

	// chunk retains the last state chunk fetched from the image. Hosts
	// keep reading the returned bytes until their next fetch, so the
	// slice must stay untouched in between.
	chunkMu sync.Mutex
	chunk   []byte

	// editorRect retains the last reported editor rectangle, same deal.
	editorRect Rect

	// incoming queues MIDI batches the image sent to the host. Hosts only
	// accept plugin events at the end of an audio block, so the queue is
	// flushed when Process returns.
	incomingMu sync.Mutex
	incoming   []EventBatch

	closeMu      sync.Mutex
	closed       bool
	callbackDone chan struct{}
}

// NewProxy locates the plugin image, launches its bridge host, accepts the
// five category channels, and performs the descriptor exchange. Any
// failure is fatal; there is no degraded mode.
func NewProxy(cfg ProxyConfig) (*Proxy, error) {
	imagePath, err := FindImage(cfg.ProxyPath, cfg.ImageExt)
	if err != nil {
		return nil, err
	}

	endpoint, err := GenerateEndpoint(imagePath)
	if err != nil {
		return nil, err
	}

	if cfg.Logger == nil {
		cfg.Logger = NewLoggerFromEnv(SessionName(endpoint))
	}
	log := cfg.Logger

	config, err := LoadConfigFor(cfg.ProxyPath)
	if err != nil {
		// A broken config file should not brick every plugin under it.
		log.Warn("ignoring unreadable configuration", zap.Error(err))
		config = Configuration{}
	}
	if config.Group != "" {
		log.Info("image assigned to plugin group",
			zap.String("group", config.Group),
			zap.String("config", config.MatchedFile),
			zap.String("pattern", config.MatchedPattern))
	}

	arch, err := DetectArchitecture(imagePath)
	if err != nil {
		return nil, err
	}

	hostPath, err := FindHostExecutable(arch, config.Group != "")
	if err != nil {
		return nil, err
	}

	prefix, _ := ResolvePrefix(imagePath)

	strategy := cfg.Strategy
	if strategy == nil {
		strategy = ChooseLaunchStrategy(config)
	}

	p := &Proxy{
		log:          log,
		callback:     cfg.Callback,
		config:       config,
		arch:         arch,
		imagePath:    imagePath,
		endpoint:     endpoint,
		callbackDone: make(chan struct{}),
	}

	// Listen before launching so the bridge never dials into nothing.
	listener, err := net.Listen("unix", endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: listening on %s: %v", ErrChannelSetup, endpoint, err)
	}
	p.listener = listener

	handle, err := strategy.Launch(LaunchSpec{
		HostPath:  hostPath,
		ImagePath: imagePath,
		Endpoint:  endpoint,
		Prefix:    prefix,
		Group:     config.Group,
		Arch:      arch,
		Logger:    log,
	})
	if err != nil {
		listener.Close()
		return nil, err
	}
	p.handle = handle

	channels, err := AcceptChannels(listener)
	if err != nil {
		handle.Terminate()
		listener.Close()
		return nil, err
	}
	p.channels = channels

	// The callback handler must be live before the descriptor arrives:
	// images routinely call back into the host while initializing, and
	// initialization happens before the bridge sends the descriptor.
	go p.handleCallbacks()

	var result EventResult
	if err := channels.Dispatch.Receive(&result); err != nil {
		p.Close()
		return nil, fmt.Errorf("%w: reading descriptor: %v", ErrChannelSetup, err)
	}
	desc, ok := result.Payload.(Descriptor)
	if !ok {
		p.Close()
		return nil, fmt.Errorf("%w: descriptor exchange got %T", ErrProtocol, result.Payload)
	}
	p.descriptor = desc

	log.Info("session established",
		zap.String("image", imagePath),
		zap.String("endpoint", endpoint),
		zap.String("arch", arch.String()),
		zap.Int32("uniqueID", desc.UniqueID),
		zap.Int32("numParams", desc.NumParams))

	return p, nil
}

// Descriptor returns the image's current descriptor. It changes only when
// the image announces a change through its host callback.
func (p *Proxy) Descriptor() Descriptor {
	p.descMu.Lock()
	defer p.descMu.Unlock()
	return p.descriptor
}

// Dispatch forwards one control call to the image and blocks until the
// image has handled it. MIDI event delivery travels on its own channel so
// it cannot stall behind a long-running control call.
func (p *Proxy) Dispatch(op Opcode, index int32, value int64, data any, option float32) int64 {
	// Hosts sometimes keep dispatching briefly after the close call; those
	// calls are answered locally instead of racing the teardown.
	if p.isClosed() {
		p.log.Debug("dispatch on closed session",
			zap.Int32("op", int32(op)), zap.Error(ErrSessionClosed))
		return 0
	}

	ev := Event{Op: int32(op), Index: index, Value: value, Option: option}

	switch op {
	case OpProcessEvents:
		batch := asBatch(data)
		if batch == nil {
			p.log.Warn("process-events dispatch without a batch")
			return 0
		}
		ev.Payload = *batch
		result, err := sendEvent(p.channels.MIDI, &p.midiMu, ev)
		if err != nil {
			p.log.Error("delivering events", zap.Error(err))
			return 0
		}
		return result.Return

	case OpClose:
		// The bridge replies and then tears the session down; losing the
		// race against its socket close is normal here.
		if _, err := sendEvent(p.channels.Dispatch, &p.dispatchMu, ev); err != nil {
			p.log.Debug("close dispatch ended the session", zap.Error(err))
		}
		p.Close()
		return 0

	case OpSetChunk:
		if chunk, ok := data.([]byte); ok {
			ev.Payload = chunk
		}

	case OpCanDo:
		if s, ok := data.(string); ok {
			ev.Payload = s
		}

	case OpEditorOpen:
		if parent, ok := data.(uint64); ok {
			ev.Payload = parent
		}
	}

	result, err := sendEvent(p.channels.Dispatch, &p.dispatchMu, ev)
	if err != nil {
		p.log.Error("dispatch failed", zap.Int32("op", int32(op)), zap.Error(err))
		return 0
	}

	switch op {
	case OpEditorRect:
		if rect, ok := result.Payload.(Rect); ok {
			p.editorRect = rect
			if out, ok := data.(*Rect); ok {
				*out = rect
			}
		}
	case OpGetChunk:
		chunk, _ := result.Payload.([]byte)
		p.chunkMu.Lock()
		p.chunk = chunk
		p.chunkMu.Unlock()
		if out, ok := data.(*[]byte); ok {
			*out = chunk
		}
	}

	return result.Return
}

// GetParameter fetches one parameter value from the image.
func (p *Proxy) GetParameter(index int32) float32 {
	if p.isClosed() {
		return 0
	}
	p.paramMu.Lock()
	defer p.paramMu.Unlock()

	var result ParameterResult
	if err := p.channels.Parameters.RoundTrip(Parameter{Index: index}, &result); err != nil {
		p.log.Error("parameter get failed", zap.Int32("index", index), zap.Error(err))
		return 0
	}
	if result.Value == nil {
		return 0
	}
	return *result.Value
}

// SetParameter pushes one parameter value to the image, blocking until it
// has been applied.
func (p *Proxy) SetParameter(index int32, value float32) {
	if p.isClosed() {
		return
	}
	p.paramMu.Lock()
	defer p.paramMu.Unlock()

	var result ParameterResult
	if err := p.channels.Parameters.RoundTrip(Parameter{Index: index, Value: &value}, &result); err != nil {
		p.log.Error("parameter set failed", zap.Int32("index", index), zap.Error(err))
	}
}

// Process runs one audio block through the image. Events the image
// produced for the host during the block are delivered through the host
// callback right before Process returns, which is the only point hosts
// accept them.
func (p *Proxy) Process(in, out [][]float32, frames int32) {
	if p.isClosed() {
		return
	}
	p.audioMu.Lock()
	var result AudioBuffers
	err := p.channels.Audio.RoundTrip(AudioBuffers{Buffers: in, Frames: frames}, &result)
	if err == nil {
		for i := range out {
			if i >= len(result.Buffers) {
				break
			}
			copy(out[i], result.Buffers[i])
		}
	}
	p.audioMu.Unlock()

	if err != nil {
		p.log.Error("audio round trip failed", zap.Error(err))
		return
	}

	p.flushIncomingEvents()
}

func (p *Proxy) flushIncomingEvents() {
	p.incomingMu.Lock()
	queued := p.incoming
	p.incoming = nil
	p.incomingMu.Unlock()

	for i := range queued {
		p.callback(HostOpProcessEvents, 0, 0, &queued[i], 0)
	}
}

// handleCallbacks receives host callbacks from the bridge for the whole
// session. One at a time, by construction: the bridge holds its callback
// guard across each round trip.
func (p *Proxy) handleCallbacks() {
	defer close(p.callbackDone)
	for {
		var ev Event
		if err := p.channels.Callback.Receive(&ev); err != nil {
			return
		}

		op := HostOp(ev.Op)
		var result EventResult

		switch op {
		case HostOpProcessEvents:
			// Queue instead of forwarding: the host only takes plugin
			// events at the end of the audio block it is processing.
			if batch, ok := ev.Payload.(EventBatch); ok {
				p.incomingMu.Lock()
				p.incoming = append(p.incoming, batch)
				p.incomingMu.Unlock()
			}
			result.Return = 1

		case HostOpGetTime:
			ret, data := p.callback(op, ev.Index, ev.Value, ev.Payload, ev.Option)
			result.Return = ret
			switch info := data.(type) {
			case *TimeInfo:
				if info != nil {
					result.Payload = *info
				}
			case TimeInfo:
				result.Payload = info
			}

		case HostOpDescriptorChanged:
			if desc, ok := ev.Payload.(Descriptor); ok {
				p.descMu.Lock()
				p.descriptor = desc
				p.descMu.Unlock()
			}
			ret, _ := p.callback(op, ev.Index, ev.Value, nil, ev.Option)
			result.Return = ret

		default:
			ret, data := p.callback(op, ev.Index, ev.Value, ev.Payload, ev.Option)
			result.Return = ret
			switch payload := data.(type) {
			case string:
				result.Payload = payload
			case []byte:
				result.Payload = payload
			}
		}

		if err := p.channels.Callback.Send(result); err != nil {
			return
		}
	}
}

// Close tears the session down: channels first so the bridge's loops
// unblock, then the listener and its socket file, then the launched host.
// Safe to call more than once.
func (p *Proxy) Close() error {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return nil
	}
	p.closed = true
	p.closeMu.Unlock()

	var first error
	if p.channels != nil {
		first = p.channels.Close()
		<-p.callbackDone
	}
	if p.listener != nil {
		if err := p.listener.Close(); err != nil && first == nil {
			first = err
		}
	}
	if p.handle != nil {
		if err := p.handle.Wait(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (p *Proxy) isClosed() bool {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	return p.closed
}

func asBatch(data any) *EventBatch {
	switch batch := data.(type) {
	case *EventBatch:
		return batch
	case EventBatch:
		return &batch
	}
	return nil
}
