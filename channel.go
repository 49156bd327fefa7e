package vstbridge

import (
	"fmt"
	"net"
	"sync"
)

// Category identifies the call class a channel carries. Every category has
// exactly one channel per bridge session, and a category's traffic never
// shares a connection with another category's.
type Category int

const (
	// CategoryDispatch carries every generic dispatch opcode, plus the
	// one-time descriptor exchange at startup.
	CategoryDispatch Category = iota

	// CategoryMIDI carries only OpProcessEvents, so MIDI keeps flowing
	// while the dispatch worker is blocked inside a modal window-system
	// call.
	CategoryMIDI

	// CategoryCallback carries calls the image makes back into the host.
	CategoryCallback

	// CategoryParameters carries get/set-parameter requests.
	CategoryParameters

	// CategoryAudio carries audio-block processing, the most
	// latency-sensitive path.
	CategoryAudio

	numCategories
)

func (c Category) String() string {
	switch c {
	case CategoryDispatch:
		return "dispatch"
	case CategoryMIDI:
		return "midi"
	case CategoryCallback:
		return "callback"
	case CategoryParameters:
		return "parameters"
	case CategoryAudio:
		return "audio"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// Channel is one bidirectional transport bound to a single call category
// for the lifetime of a bridge session.
type Channel struct {
	category Category
	conn     net.Conn
}

// Category returns the call category this channel carries.
func (c *Channel) Category() Category { return c.category }

// Send writes one request frame.
func (c *Channel) Send(v any) error { return writeFrame(c.conn, v) }

// Receive reads one frame into v.
func (c *Channel) Receive(v any) error { return readFrame(c.conn, v) }

// RoundTrip writes a request and blocks for its reply. The channel has a
// single reader on each side, so requests and replies pair up in order;
// callers that may race (the host-callback channel, the shared
// get/set-parameter channel) must hold their guard across the whole round
// trip, not just the write.
func (c *Channel) RoundTrip(req, resp any) error {
	if err := writeFrame(c.conn, req); err != nil {
		return err
	}
	return readFrame(c.conn, resp)
}

// Close tears the channel down. Any blocked Receive fails afterwards,
// which the worker loops treat as end of session.
func (c *Channel) Close() error { return c.conn.Close() }

// ChannelSet is the five per-category channels making up one session.
type ChannelSet struct {
	Dispatch   *Channel
	MIDI       *Channel
	Callback   *Channel
	Parameters *Channel
	Audio      *Channel
}

// channelOrder is the fixed connect/accept order. Both sides must walk the
// categories in this exact order or the channels end up cross-bound.
var channelOrder = [numCategories]Category{
	CategoryDispatch,
	CategoryMIDI,
	CategoryCallback,
	CategoryParameters,
	CategoryAudio,
}

func (s *ChannelSet) assign(cat Category, conn net.Conn) {
	ch := &Channel{category: cat, conn: conn}
	switch cat {
	case CategoryDispatch:
		s.Dispatch = ch
	case CategoryMIDI:
		s.MIDI = ch
	case CategoryCallback:
		s.Callback = ch
	case CategoryParameters:
		s.Parameters = ch
	case CategoryAudio:
		s.Audio = ch
	}
}

// Close closes every channel in the set. Safe to call more than once.
func (s *ChannelSet) Close() error {
	var firstErr error
	for _, ch := range []*Channel{s.Dispatch, s.MIDI, s.Callback, s.Parameters, s.Audio} {
		if ch == nil {
			continue
		}
		if err := ch.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// AcceptChannels accepts one connection per category, in channelOrder,
// from a listener the proxy created. It blocks until the bridge has dialed
// all five; any accept failure is fatal to session construction.
func AcceptChannels(l net.Listener) (*ChannelSet, error) {
	set := &ChannelSet{}
	for _, cat := range channelOrder {
		conn, err := l.Accept()
		if err != nil {
			set.Close()
			return nil, fmt.Errorf("%w: accepting %s channel: %v", ErrChannelSetup, cat, err)
		}
		set.assign(cat, conn)
	}
	return set, nil
}

// DialChannels connects one channel per category, in channelOrder, to the
// endpoint the proxy is listening on.
func DialChannels(endpoint string) (*ChannelSet, error) {
	set := &ChannelSet{}
	for _, cat := range channelOrder {
		conn, err := net.Dial("unix", endpoint)
		if err != nil {
			set.Close()
			return nil, fmt.Errorf("%w: dialing %s channel: %v", ErrChannelSetup, cat, err)
		}
		set.assign(cat, conn)
	}
	return set, nil
}

// sendEvent performs one guarded request/response round trip for an
// Event-shaped call. The mutex is held for exactly the round trip so
// concurrent callers on a shared channel cannot interleave frames, without
// serializing the work that triggered the call.
func sendEvent(ch *Channel, mu *sync.Mutex, ev Event) (EventResult, error) {
	mu.Lock()
	defer mu.Unlock()

	var result EventResult
	if err := ch.RoundTrip(ev, &result); err != nil {
		return EventResult{}, err
	}
	return result, nil
}
