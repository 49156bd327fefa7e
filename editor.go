package vstbridge

// WindowSystem abstracts the native windowing layer the bridge embeds
// editors into. The real implementation wraps the compatibility layer's
// window API; tests inject a fake. All WindowSystem calls must come from
// the one goroutine running the dispatch loop, because most window systems
// (and many images) require a single consistent thread for everything
// window related.
type WindowSystem interface {
	// CreateWindow creates a native window and reparents it into the
	// host-provided handle. The returned EditorWindow is what the image
	// embeds itself into.
	CreateWindow(class string, parent uint64) (EditorWindow, error)

	// PumpEvents drains pending application-level window-system events.
	// Called when no editor is open, since some images defer work (preset
	// loading, timers) through the message queue even without an editor.
	PumpEvents()
}

// EditorWindow is one open editor's native window.
type EditorWindow interface {
	// Handle returns the native handle the image embeds itself into.
	Handle() uint64

	// PumpEvents drains this window's pending events, including any nested
	// embedding bookkeeping.
	PumpEvents()

	// Close destroys the window and releases its resources.
	Close()
}

// editorState is the editor lifecycle: closed, opening, or open. It is a
// sum type rather than a nullable-window-plus-flag so "no window while
// opening" cannot be represented at all. Only the dispatch goroutine ever
// holds or transitions one.
type editorState interface {
	editorState()
}

// editorClosed is the initial and terminal state.
type editorClosed struct{}

// editorOpening means the host has queried the editor rectangle but not
// yet issued the open call. A subset of images assume the editor is
// already live as soon as the rectangle has been queried, and pumping
// window-system events in this window crashes them or loops forever, so
// the dispatch loop must not pump until the state leaves Opening.
type editorOpening struct{}

// editorOpen holds the live editor window.
type editorOpen struct {
	window EditorWindow
}

func (editorClosed) editorState()  {}
func (editorOpening) editorState() {}
func (editorOpen) editorState()    {}
