package discover

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// timeoutErr satisfies net.Error the way a read deadline does.
type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

// fakeConn scripts the replies a broadcast would collect.
type fakeConn struct {
	replies [][]byte
	probe   []byte
}

func (c *fakeConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	c.probe = b
	return len(b), nil
}

func (c *fakeConn) ReadFrom(b []byte) (int, net.Addr, error) {
	if len(c.replies) == 0 {
		return 0, nil, timeoutErr{}
	}

	reply := c.replies[0]
	c.replies = c.replies[1:]
	n := copy(b, reply)

	return n, &net.UDPAddr{IP: net.IPv4(10, 0, 0, 5), Port: 7359}, nil
}

func (c *fakeConn) SetReadDeadline(t time.Time) error { return nil }
func (c *fakeConn) Close() error                      { return nil }

func newTestDiscoverer(conn *fakeConn) *Discoverer {
	d := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	d.listen = func() (packetConn, error) { return conn, nil }
	return d
}

func TestDiscover_MapsRepliesToRecords(t *testing.T) {
	conn := &fakeConn{replies: [][]byte{
		[]byte(`{"Id":"s1","Name":"den","Address":"http://10.0.0.5:8096"}`),
		[]byte(`{"Id":"s2","Name":"attic","Address":"http://10.0.0.9:8096","EndpointAddress":"http://nas.local:8096"}`),
	}}

	records, err := newTestDiscoverer(conn).Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "who is EmbyServer?", string(conn.probe))

	assert.Equal(t, "s1", records[0].Id)
	assert.Equal(t, "http://10.0.0.5:8096", records[0].LocalAddress)
	assert.Empty(t, records[0].ManualAddress)

	// An endpoint address marks the server as manually addressed.
	assert.Equal(t, "s2", records[1].Id)
	assert.Equal(t, "http://nas.local:8096", records[1].ManualAddress)
	assert.Empty(t, records[1].LocalAddress)
}

func TestDiscover_DeduplicatesByServerId(t *testing.T) {
	conn := &fakeConn{replies: [][]byte{
		[]byte(`{"Id":"s1","Name":"den","Address":"http://10.0.0.5:8096"}`),
		[]byte(`{"Id":"s1","Name":"den","Address":"http://10.0.0.5:8096"}`),
	}}

	records, err := newTestDiscoverer(conn).Discover(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestDiscover_IgnoresMalformedReplies(t *testing.T) {
	conn := &fakeConn{replies: [][]byte{
		[]byte(`not json at all`),
		[]byte(`{"Name":"anonymous"}`),
		[]byte(`{"Id":"s1","Name":"den","Address":"http://10.0.0.5:8096"}`),
	}}

	records, err := newTestDiscoverer(conn).Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "s1", records[0].Id)
}

func TestDiscover_EmptyWindow(t *testing.T) {
	records, err := newTestDiscoverer(&fakeConn{}).Discover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}
