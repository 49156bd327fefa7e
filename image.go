package vstbridge

import (
	"fmt"
	"plugin"
)

// HostCallback is the function a loaded image uses to call back into the
// host. For HostOpGetTime the returned payload is a *TimeInfo that stays
// valid until the image's next time query; for most other ops the payload
// is nil and only the integer return matters.
type HostCallback func(op HostOp, index int32, value int64, data any, option float32) (int64, any)

// PluginImage is the loaded native plugin. The bridge owns exactly one
// image per session and drives it from its worker goroutines with the same
// concurrency profile the in-process interface exposed: Dispatch, the
// parameter accessors, and Process may be called from different goroutines
// concurrently, matching what images already tolerate from hosts.
type PluginImage interface {
	// Descriptor returns the image's current descriptor. Read once at
	// startup and again after HostOpDescriptorChanged.
	Descriptor() Descriptor

	// Dispatch invokes a generic operation. For OpEditorOpen the data
	// argument is the window handle the bridge created, not the one the
	// remote host passed.
	Dispatch(op Opcode, index int32, value int64, data any, option float32) int64

	// GetParameter and SetParameter access automation parameters.
	GetParameter(index int32) float32
	SetParameter(index int32, value float32)

	// Process renders one audio block into out. Implementations that only
	// support accumulating processing are wrapped by the loader so Process
	// always has replacing semantics.
	Process(in, out [][]float32, frames int32)
}

// ImageLoader loads the plugin image at path, handing it the callback it
// must use for every call into the host. Images routinely invoke the
// callback while still initializing, so the callback must be live before
// the loader is called.
type ImageLoader func(path string, callback HostCallback) (PluginImage, error)

// entryPointNames are the exported constructor symbols tried in order when
// loading an image. The first is canonical; the others are legacy names
// some older images still export.
var entryPointNames = []string{"PluginMain", "NewPlugin", "Main"}

// LoadImage is the default ImageLoader. It opens the shared object at
// path and resolves the first known entry-point symbol, which must have
// the signature func(HostCallback) (PluginImage, error).
func LoadImage(path string, callback HostCallback) (PluginImage, error) {
	lib, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrImageLoad, path, err)
	}

	for _, name := range entryPointNames {
		sym, err := lib.Lookup(name)
		if err != nil {
			continue
		}
		entry, ok := sym.(func(HostCallback) (PluginImage, error))
		if !ok {
			return nil, fmt.Errorf("%w: %q: symbol %s has wrong type %T",
				ErrImageLoad, path, name, sym)
		}
		img, err := entry(callback)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrImageLoad, path, err)
		}
		return img, nil
	}

	return nil, fmt.Errorf("%w: %q: no entry point among %v", ErrImageLoad, path, entryPointNames)
}
