package peer

import "fmt"

// ConnectError represents a failure to establish a connection to a peer.
type ConnectError struct {
	Peer Identity
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect to peer %s: %v", e.Peer, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// RequestError represents a rejected or failed range request.
type RequestError struct {
	Peer   Identity
	FileID string
	Offset int64
	Length int64
	Err    error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("range request [%d,%d) for %s rejected by peer %s: %v",
		e.Offset, e.Offset+e.Length, e.FileID, e.Peer, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// DisconnectedError represents a stream that terminated before the requested
// range was fully delivered.
type DisconnectedError struct {
	Peer      Identity
	BytesRead int64
	Expected  int64
}

func (e *DisconnectedError) Error() string {
	return fmt.Sprintf("peer %s disconnected after %d of %d bytes", e.Peer, e.BytesRead, e.Expected)
}
