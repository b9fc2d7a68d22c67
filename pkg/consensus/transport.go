package consensus

import (
	"bytes"
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/raft"
)

// raftRPC is the marker byte written on every outgoing raft connection
// so the listener can reject stray traffic on the raft port.
const raftRPC = 1

// StreamLayer provides TCP streams for the raft transport. Peer traffic
// runs inside a trusted perimeter, so connections are plain TCP.
type StreamLayer struct {
	ln net.Listener
}

var _ raft.StreamLayer = (*StreamLayer)(nil)

// NewStreamLayer wraps an existing listener bound to the raft address.
func NewStreamLayer(ln net.Listener) *StreamLayer {
	return &StreamLayer{ln: ln}
}

// Dial opens a connection to a peer and identifies it as raft traffic.
func (s *StreamLayer) Dial(addr raft.ServerAddress, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.Dial("tcp", string(addr))
	if err != nil {
		return nil, err
	}
	if _, err = conn.Write([]byte{raftRPC}); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// Accept waits for an inbound peer connection and checks the marker.
func (s *StreamLayer) Accept() (net.Conn, error) {
	conn, err := s.ln.Accept()
	if err != nil {
		return nil, err
	}
	b := make([]byte, 1)
	if _, err = conn.Read(b); err != nil {
		conn.Close()
		return nil, err
	}
	if !bytes.Equal(b, []byte{raftRPC}) {
		conn.Close()
		return nil, fmt.Errorf("not a raft rpc")
	}
	return conn, nil
}

func (s *StreamLayer) Addr() net.Addr {
	return s.ln.Addr()
}

func (s *StreamLayer) Close() error {
	return s.ln.Close()
}
