/*
Package conn implements the opcode-framed, msgpack-encoded transport
shared by replica-to-replica links (PROPOSE, VOTE, REQ_BLOCK, RESP_BLOCK)
and the client-facing REQ_CMD/RESP_CMD listener. A connection is
unidirectional: if replica1 dials replica2, that NetConn only ever sends
from replica1 to replica2, mirroring the request/response exchange at the
opcode level rather than the TCP socket level.
*/
package conn

import (
	"bufio"
	"github.com/hashicorp/go-msgpack/codec"
	"net"
)

// NetConn represents a connection established from one node to another.
type NetConn struct {
	target string
	conn   net.Conn
	w      *bufio.Writer
	enc    *codec.Encoder
}

// Release closes the connection in a NetConn variable.
func (n *NetConn) Release() error {
	return n.conn.Close()
}
