package vstbridge

import (
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"go.uber.org/zap"
)

// fakeImage is an in-process PluginImage standing in for a loaded native
// plugin.
type fakeImage struct {
	desc     Descriptor
	callback HostCallback

	mu         sync.Mutex
	dispatches []dispatchCall
	params     map[int32]float32
	chunk      []byte
	batches    []*EventBatch

	// processStarted and processRelease, when set, make Process announce
	// itself and then block until released.
	processStarted chan struct{}
	processRelease chan struct{}

	// emitOnProcess, when set, is sent to the host as a MIDI callback from
	// inside every Process call.
	emitOnProcess *EventBatch
}

type dispatchCall struct {
	op     Opcode
	index  int32
	value  int64
	data   any
	option float32
}

func newFakeImage() *fakeImage {
	return &fakeImage{
		desc: Descriptor{
			UniqueID:   0x74657374,
			Version:    1,
			NumParams:  4,
			NumInputs:  2,
			NumOutputs: 2,
			Flags:      FlagHasEditor | FlagCanReplacing | FlagProgramChunks,
		},
		params: make(map[int32]float32),
		chunk:  []byte("initial state"),
	}
}

func (f *fakeImage) loader() ImageLoader {
	return func(path string, callback HostCallback) (PluginImage, error) {
		f.callback = callback
		return f, nil
	}
}

func (f *fakeImage) Descriptor() Descriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.desc
}

func (f *fakeImage) Dispatch(op Opcode, index int32, value int64, data any, option float32) int64 {
	f.mu.Lock()
	f.dispatches = append(f.dispatches, dispatchCall{op, index, value, data, option})
	f.mu.Unlock()

	switch op {
	case OpEditorRect:
		if rect, ok := data.(*Rect); ok {
			*rect = Rect{Top: 0, Left: 0, Bottom: 240, Right: 480}
		}
		return 1
	case OpEditorOpen:
		return 1
	case OpProcessEvents:
		if batch, ok := data.(*EventBatch); ok {
			f.mu.Lock()
			f.batches = append(f.batches, batch)
			f.mu.Unlock()
		}
		return 1
	case OpGetChunk:
		if out, ok := data.(*[]byte); ok {
			f.mu.Lock()
			*out = f.chunk
			f.mu.Unlock()
		}
		return int64(len(f.chunk))
	case OpSetChunk:
		if chunk, ok := data.([]byte); ok {
			f.mu.Lock()
			f.chunk = chunk
			f.mu.Unlock()
		}
		return 1
	case OpCanDo:
		if s, ok := data.(string); ok && s == "receiveEvents" {
			return 1
		}
		return 0
	}
	return 0
}

func (f *fakeImage) GetParameter(index int32) float32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.params[index]
}

func (f *fakeImage) SetParameter(index int32, value float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.params[index] = value
}

// Process doubles every input sample, so tests can tell output buffers
// really made the round trip.
func (f *fakeImage) Process(in, out [][]float32, frames int32) {
	if f.processStarted != nil {
		f.processStarted <- struct{}{}
		<-f.processRelease
	}
	if f.emitOnProcess != nil {
		f.callback(HostOpProcessEvents, 0, 0, f.emitOnProcess, 0)
	}
	for i := range out {
		if i >= len(in) {
			break
		}
		for j := int32(0); j < frames && int(j) < len(in[i]); j++ {
			out[i][j] = in[i][j] * 2
		}
	}
}

func (f *fakeImage) calls() []dispatchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dispatchCall(nil), f.dispatches...)
}

func (f *fakeImage) receivedBatches() []*EventBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*EventBatch(nil), f.batches...)
}

// fakeWindows records window-system activity for editor lifecycle tests.
type fakeWindows struct {
	mu       sync.Mutex
	appPumps int
	windows  []*fakeWindow
}

type fakeWindow struct {
	mu     sync.Mutex
	class  string
	parent uint64
	handle uint64
	pumps  int
	closed bool
}

func (w *fakeWindows) CreateWindow(class string, parent uint64) (EditorWindow, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	win := &fakeWindow{class: class, parent: parent, handle: uint64(1000 + len(w.windows))}
	w.windows = append(w.windows, win)
	return win, nil
}

func (w *fakeWindows) PumpEvents() {
	w.mu.Lock()
	w.appPumps++
	w.mu.Unlock()
}

func (w *fakeWindows) appPumpCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appPumps
}

func (w *fakeWindows) created() []*fakeWindow {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*fakeWindow(nil), w.windows...)
}

func (w *fakeWindow) Handle() uint64 { return w.handle }

func (w *fakeWindow) PumpEvents() {
	w.mu.Lock()
	w.pumps++
	w.mu.Unlock()
}

func (w *fakeWindow) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

func (w *fakeWindow) pumpCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pumps
}

func (w *fakeWindow) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// testSession is a bridge under test plus the proxy side of its channels,
// driven directly by the test.
type testSession struct {
	channels *ChannelSet
	bridge   *Bridge
	served   chan error
	desc     Descriptor
}

// startSession brings up a Bridge against an in-test listener and returns
// the proxy side of the five channels with the descriptor exchange already
// done.
func startSession(t *testing.T, img *fakeImage, ws WindowSystem) *testSession {
	t.Helper()

	endpoint := filepath.Join(t.TempDir(), "vstbridge-test.sock")
	listener, err := net.Listen("unix", endpoint)
	if err != nil {
		t.Fatalf("listening on %s: %v", endpoint, err)
	}
	defer listener.Close()

	bridgeReady := make(chan *Bridge, 1)
	bridgeErr := make(chan error, 1)
	served := make(chan error, 1)
	go func() {
		bridge, err := NewBridge(BridgeConfig{
			ImagePath: "fake-image",
			Endpoint:  endpoint,
			Loader:    img.loader(),
			Windows:   ws,
			Logger:    zap.NewNop(),
		})
		if err != nil {
			bridgeErr <- err
			return
		}
		bridgeReady <- bridge
		served <- bridge.Serve()
	}()

	channels, err := AcceptChannels(listener)
	if err != nil {
		t.Fatalf("accepting channels: %v", err)
	}
	t.Cleanup(func() { channels.Close() })

	var result EventResult
	if err := channels.Dispatch.Receive(&result); err != nil {
		t.Fatalf("reading descriptor: %v", err)
	}
	desc, ok := result.Payload.(Descriptor)
	if !ok {
		t.Fatalf("descriptor exchange carried %T", result.Payload)
	}

	var bridge *Bridge
	select {
	case bridge = <-bridgeReady:
	case err := <-bridgeErr:
		t.Fatalf("bringing up bridge: %v", err)
	}

	return &testSession{channels: channels, bridge: bridge, served: served, desc: desc}
}

// dispatch performs one round trip on the dispatch channel.
func (s *testSession) dispatch(t *testing.T, ev Event) EventResult {
	t.Helper()
	var result EventResult
	if err := s.channels.Dispatch.RoundTrip(ev, &result); err != nil {
		t.Fatalf("dispatch round trip: %v", err)
	}
	return result
}

func writeFakePE(t *testing.T, path string, machine uint16) {
	t.Helper()
	buf := make([]byte, 0x48)
	buf[0], buf[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(buf[0x3c:], 0x40)
	copy(buf[0x40:], []byte{'P', 'E', 0, 0})
	binary.LittleEndian.PutUint16(buf[0x44:], machine)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func writeFakeELF(t *testing.T, path string, class byte) {
	t.Helper()
	buf := make([]byte, 16)
	buf[0] = 0x7f
	copy(buf[1:], "ELF")
	buf[4] = class
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}
