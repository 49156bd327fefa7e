package vstbridge

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// groupSession is one proxy-side session hosted by a group daemon under
// test.
type groupSession struct {
	channels *ChannelSet
	conn     net.Conn
	desc     Descriptor
}

// openGroupSession connects to the daemon like a proxy would: listen on a
// fresh session endpoint, send the host request, accept the five channels,
// read the descriptor.
func openGroupSession(t *testing.T, groupSocket, imagePath string) *groupSession {
	t.Helper()

	endpoint := filepath.Join(t.TempDir(), "vstbridge-session.sock")
	listener, err := net.Listen("unix", endpoint)
	require.NoError(t, err)
	defer listener.Close()

	conn, err := net.Dial("unix", groupSocket)
	require.NoError(t, err)
	require.NoError(t, writeFrame(conn, hostRequest{ImagePath: imagePath, Endpoint: endpoint}))

	channels, err := AcceptChannels(listener)
	require.NoError(t, err)

	var result EventResult
	require.NoError(t, channels.Dispatch.Receive(&result))
	desc, ok := result.Payload.(Descriptor)
	require.True(t, ok, "descriptor exchange carried %T", result.Payload)

	return &groupSession{channels: channels, conn: conn, desc: desc}
}

func (s *groupSession) dispatch(t *testing.T, ev Event) EventResult {
	t.Helper()
	var result EventResult
	require.NoError(t, s.channels.Dispatch.RoundTrip(ev, &result))
	return result
}

func (s *groupSession) close() {
	s.channels.Close()
	s.conn.Close()
}

func startGroupHost(t *testing.T, img *fakeImage) (string, <-chan error) {
	t.Helper()

	groupSocket := filepath.Join(t.TempDir(), "vstbridge-group-test.sock")
	group, err := NewGroupHost(GroupHostConfig{
		SocketPath: groupSocket,
		Loader:     img.loader(),
		Windows:    &fakeWindows{},
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)

	ran := make(chan error, 1)
	go func() { ran <- group.Run() }()
	t.Cleanup(func() { group.Close() })

	return groupSocket, ran
}

func TestGroupHostSingleSession(t *testing.T) {
	img := newFakeImage()
	groupSocket, ran := startGroupHost(t, img)

	s := openGroupSession(t, groupSocket, "fake-image")
	assert.Equal(t, img.desc, s.desc)

	result := s.dispatch(t, Event{Op: int32(OpCanDo), Payload: "receiveEvents"})
	assert.Equal(t, int64(1), result.Return)

	// Ending the last session must shut the daemon down.
	s.close()
	select {
	case err := <-ran:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon kept running after its last session ended")
	}
}

func TestGroupHostMultipleSessions(t *testing.T) {
	img := newFakeImage()
	groupSocket, ran := startGroupHost(t, img)

	first := openGroupSession(t, groupSocket, "image-one")
	second := openGroupSession(t, groupSocket, "image-two")

	// Dispatch on both sessions; all dispatch work funnels through the
	// daemon's one main goroutine, so neither session may wedge the other.
	for i := 0; i < 10; i++ {
		r1 := first.dispatch(t, Event{Op: int32(OpCanDo), Payload: "receiveEvents"})
		r2 := second.dispatch(t, Event{Op: int32(OpCanDo), Payload: "sendOsc"})
		assert.Equal(t, int64(1), r1.Return)
		assert.Equal(t, int64(0), r2.Return)
	}

	// The daemon must survive the first session ending...
	first.close()
	select {
	case err := <-ran:
		t.Fatalf("daemon exited with %v while a session was still active", err)
	case <-time.After(100 * time.Millisecond):
	}

	// ...and still serve the survivor.
	result := second.dispatch(t, Event{Op: int32(OpCanDo), Payload: "receiveEvents"})
	assert.Equal(t, int64(1), result.Return)

	second.close()
	select {
	case err := <-ran:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon kept running after its last session ended")
	}
}

func TestGroupHostCloseCall(t *testing.T) {
	img := newFakeImage()
	groupSocket, ran := startGroupHost(t, img)

	s := openGroupSession(t, groupSocket, "fake-image")
	s.dispatch(t, Event{Op: int32(OpClose)})
	s.close()

	select {
	case err := <-ran:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down after the close call")
	}
}

func TestGroupHostBadRequest(t *testing.T) {
	img := newFakeImage()
	groupSocket, ran := startGroupHost(t, img)

	// A connection with a garbage frame must not take the daemon down
	// before it ever hosted anything, but it does count as a session
	// attempt ending, so the daemon may exit afterwards.
	conn, err := net.Dial("unix", groupSocket)
	require.NoError(t, err)
	_, err = conn.Write([]byte{0, 0, 0, 4, 1, 2, 3, 4})
	require.NoError(t, err)
	conn.Close()

	select {
	case err := <-ran:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon hung on a malformed request")
	}
}
