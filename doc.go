// Package vstbridge bridges audio plugin images across process and
// architecture boundaries over Unix domain sockets.
//
// # Overview
//
// A native plugin host cannot load an image built for another runtime or
// architecture. vstbridge splits the plugin in two: the host loads a
// Proxy, which looks and behaves exactly like a local plugin image, and a
// separate bridge host process loads the real image behind a Bridge. The
// two halves talk over a per-session Unix socket, so the host never
// notices that the image lives somewhere else.
//
// Calls are split over five dedicated channels by category:
//
//   - generic dispatch (control calls, editor handling, state chunks)
//   - MIDI event delivery
//   - host callbacks from the image back to the host
//   - parameter access
//   - audio processing
//
// Each channel carries strictly ordered call/response pairs and is served
// by its own goroutine on the bridge side, so a long-running control call
// never stalls event delivery or audio.
//
// # Proxy Side
//
// The native host constructs a Proxy pointing at the library path it
// loaded, and supplies a HostCallback for calls the image makes back into
// the host:
//
//	proxy, err := vstbridge.NewProxy(vstbridge.ProxyConfig{
//	    ProxyPath: libraryPath,
//	    ImageExt:  ".dll",
//	    Callback:  hostCallback,
//	})
//	defer proxy.Close()
//
//	proxy.Dispatch(vstbridge.OpOpen, 0, 0, nil, 0)
//	proxy.Process(inputs, outputs, frames)
//
// NewProxy finds the image next to the proxy library, detects its
// architecture, launches the matching vstbridge-host executable, and
// blocks until the image is loaded and has reported its descriptor.
//
// # Bridge Side
//
// The vstbridge-host executable drives the other half:
//
//	bridge, err := vstbridge.NewBridge(vstbridge.BridgeConfig{
//	    ImagePath: imagePath,
//	    Endpoint:  socketPath,
//	})
//	err = bridge.Serve()
//
// Serve runs the dispatch loop on the calling goroutine, which doubles as
// the window-system thread when the image opens an editor.
//
// # Plugin Groups
//
// By default every session gets its own bridge host process. Images that
// need to see each other can be placed in a named group through a
// vstbridge.toml file next to (or above) the proxy library:
//
//	["synths/*.so"]
//	group = "synths"
//
// Sessions of one group share a single vstbridge-grouphost daemon, found
// through a socket path that is a deterministic function of the group
// name, runtime prefix, and architecture.
package vstbridge
