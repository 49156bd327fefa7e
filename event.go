package vstbridge

import "encoding/gob"

// Opcode identifies a forwarded plugin operation on the dispatch and
// MIDI-event channels.
type Opcode int32

// Dispatch opcodes. These cover the operations the bridge has to intercept
// or treat specially; anything else is passed through to the plugin image
// untouched.
const (
	// OpOpen is sent once after construction to let the image finish its
	// own setup.
	OpOpen Opcode = iota + 1

	// OpClose shuts the plugin down. The proxy tears the session down after
	// forwarding it, so a connection loss while this opcode is in flight is
	// tolerated.
	OpClose

	// OpEditorRect asks the image for its editor's bounding rectangle. By
	// protocol convention hosts send this immediately before OpEditorOpen.
	OpEditorRect

	// OpEditorOpen embeds the image's editor into the parent window handle
	// carried in the event payload.
	OpEditorOpen

	// OpEditorClose releases all editor window resources.
	OpEditorClose

	// OpProcessEvents delivers a MIDI event batch for the next audio block.
	// It is the only opcode carried on the MIDI-event channel.
	OpProcessEvents

	// OpGetChunk asks the image to serialize its state. The proxy retains
	// the returned bytes so the host-facing pointer stays valid.
	OpGetChunk

	// OpSetChunk restores previously serialized state from the payload.
	OpSetChunk

	// OpCanDo queries a capability by name.
	OpCanDo

	// OpSetSampleRate and OpSetBlockSize configure processing before audio
	// starts flowing.
	OpSetSampleRate
	OpSetBlockSize

	// OpMainsChanged turns processing on (value 1) or off (value 0).
	OpMainsChanged
)

// HostOp identifies a callback the plugin image makes into the host.
type HostOp int32

const (
	// HostOpAutomate reports a parameter change initiated by the image.
	HostOpAutomate HostOp = iota + 1

	// HostOpGetTime asks the host for transport time information. The reply
	// is cached on the bridge so the image can keep a pointer to it until
	// the next query.
	HostOpGetTime

	// HostOpProcessEvents sends MIDI events from the image to the host.
	// Hosts only accept these during an audio-processing call, so the proxy
	// queues them and flushes at the end of the current block.
	HostOpProcessEvents

	// HostOpDescriptorChanged signals that the image's descriptor (I/O
	// counts, flags, latency) changed and must be re-read.
	HostOpDescriptorChanged

	// HostOpGetVendorString and HostOpGetProductString query host identity.
	HostOpGetVendorString
	HostOpGetProductString
)

// Event is one forwarded call. The same frame shape is used on the
// dispatch, MIDI-event, and host-callback channels; Op is an Opcode on the
// first two and a HostOp (widened to int32) on the third.
type Event struct {
	Op      int32
	Index   int32
	Value   int64
	Option  float32
	Payload any
}

// EventResult is the reply to an Event.
type EventResult struct {
	Return  int64
	Payload any
}

// Parameter is a request on the parameter channel. A nil Value means get,
// a non-nil Value means set.
type Parameter struct {
	Index int32
	Value *float32
}

// ParameterResult acknowledges a Parameter request. Value is set for get
// requests and nil for set requests.
type ParameterResult struct {
	Value *float32
}

// AudioBuffers carries one audio block in either direction on the audio
// channel: input buffers in the request, output buffers in the reply.
type AudioBuffers struct {
	Buffers [][]float32
	Frames  int32
}

// MIDIEvent is a single event record inside an EventBatch. Data holds a
// short channel message; SysEx is set instead for system-exclusive data.
type MIDIEvent struct {
	DeltaFrames int32
	Data        [4]byte
	SysEx       []byte
}

// EventBatch is an owned buffer of MIDI events delivered for one audio
// block. Some images retain pointers into a batch past the delivering
// call, so the bridge keeps batches alive until the next audio block
// finishes processing.
type EventBatch struct {
	Events []MIDIEvent
}

// Rect is an editor bounding rectangle.
type Rect struct {
	Top    int16
	Left   int16
	Bottom int16
	Right  int16
}

// TimeInfo is the transport time record returned by a HostOpGetTime
// callback.
type TimeInfo struct {
	SamplePos  float64
	SampleRate float64
	PPQPos     float64
	Tempo      float64
	TimeSigNum int32
	TimeSigDen int32
	Flags      int32
}

// Descriptor describes a loaded plugin image: the metadata the host needs
// before it can drive the plugin. It is sent once over the dispatch
// channel at session startup and re-sent through HostOpDescriptorChanged.
type Descriptor struct {
	UniqueID     int32
	Version      int32
	NumParams    int32
	NumInputs    int32
	NumOutputs   int32
	InitialDelay int32
	Flags        int32
}

// Descriptor flag bits.
const (
	FlagHasEditor     int32 = 1 << 0
	FlagCanReplacing  int32 = 1 << 4
	FlagProgramChunks int32 = 1 << 5
	FlagIsSynth       int32 = 1 << 8
	FlagNoSoundInStop int32 = 1 << 9
)

func init() {
	// Concrete payload types crossing the any-typed Event/EventResult
	// fields have to be known to gob on both sides.
	gob.Register([]byte(nil))
	gob.Register("")
	gob.Register(uint64(0))
	gob.Register(Rect{})
	gob.Register(TimeInfo{})
	gob.Register(EventBatch{})
	gob.Register(Descriptor{})
}
