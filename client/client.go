/*
Package client implements the client interface (spec.md §4.7): the
REQ_CMD/RESP_CMD exchange between an external client and a replica.
Server is the replica-side handler, grounded on
original_source/src/hotstuff_app.cpp's HotStuffApp::client_request_cmd_handler
(admit via the pipeline, reply once the command's Finality resolves,
whether immediately with a not-proposer sentinel or later on commit).
Client is the request-issuing side, grounded on the same file's
client-request path and shaped like seeleteam-go-seele's CLI client.
*/
package client

import (
	"context"
	"errors"
	"reflect"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/nibeshrestha/optsync/conn"
	"github.com/nibeshrestha/optsync/consensus"
	"github.com/nibeshrestha/optsync/entity"
	"github.com/nibeshrestha/optsync/pacemaker"
	"github.com/nibeshrestha/optsync/pipeline"
)

// Opcodes for the client-facing transport; distinct from the
// replica-to-replica opcode space so the two can share a NetworkTransport
// only if deliberately wired with a combined reflectedTypesMap.
const (
	ReqCmdOpcode uint8 = iota
	RespCmdOpcode
)

// CmdRequest is REQ_CMD: a command payload plus the address the issuing
// client is listening on for the matching RESP_CMD.
type CmdRequest struct {
	Cmd        *entity.Command
	ClientAddr string
}

// CmdResponse is RESP_CMD: the Finality for a previously submitted
// command.
type CmdResponse struct {
	Finality *entity.Finality
}

// Replier sends a RESP_CMD back to the client at addr. The replica's
// wiring implements this over a conn.NetworkTransport; tests can fake it.
type Replier interface {
	Reply(addr string, resp *CmdResponse) error
}

// TransportReplier adapts a conn.NetworkTransport into a Replier by
// dialing (or reusing a pooled connection to) the client's address.
type TransportReplier struct {
	Trans *conn.NetworkTransport
}

// Reply implements Replier.
func (r *TransportReplier) Reply(addr string, resp *CmdResponse) error {
	c, err := r.Trans.GetConn(addr)
	if err != nil {
		return err
	}
	if err := conn.SendMsg(c, RespCmdOpcode, resp, nil); err != nil {
		return err
	}
	return r.Trans.ReturnConn(c)
}

// Server is the replica-side REQ_CMD handler.
type Server struct {
	logger  hclog.Logger
	pipe    *pipeline.Pipeline
	replier Replier
}

// NewServer builds a client-request server backed by pipe for admission
// and replier for delivering RESP_CMD.
func NewServer(logger hclog.Logger, pipe *pipeline.Pipeline, replier Replier) *Server {
	return &Server{logger: logger, pipe: pipe, replier: replier}
}

// Handle admits req.Cmd and, once its Finality is known, replies to
// req.ClientAddr. Call it in its own goroutine per request: a
// proposer-bound command can block for multiple block intervals waiting
// on commit.
func (s *Server) Handle(req CmdRequest) {
	immediate, waiter, err := s.pipe.Submit(req.Cmd)
	if err != nil {
		s.logger.Error("rejecting malformed command", "error", err)
		return
	}
	finality := immediate
	if finality == nil {
		finality = <-waiter
	}
	if err := s.replier.Reply(req.ClientAddr, &CmdResponse{Finality: finality}); err != nil {
		s.logger.Error("failed to reply to client", "addr", req.ClientAddr, "error", err)
	}
}

// Serve reads CmdRequests from requests until ctx is cancelled, handling
// each in its own goroutine so a slow commit never blocks admission of
// the next request.
func (s *Server) Serve(ctx context.Context, requests <-chan CmdRequest) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-requests:
			if !ok {
				return
			}
			go s.Handle(req)
		}
	}
}

// StateMachineExecutor wraps a consensus.Executor (normally a
// *pipeline.Pipeline) and resets an impeachment timer on every commit,
// not just the ones this replica's own clients are waiting on. Grounded
// on HotStuffApp::state_machine_execute, which calls reset_imp_timer()
// unconditionally after delivering a decision.
type StateMachineExecutor struct {
	Inner consensus.Executor
	Timer *pacemaker.ImpeachTimer
}

// Execute implements consensus.Executor.
func (e *StateMachineExecutor) Execute(b *entity.Block) {
	e.Inner.Execute(b)
	e.Timer.Reset()
}

// ErrTimeout is returned by Client.SubmitCommand when no RESP_CMD
// arrives within the deadline.
var ErrTimeout = errors.New("client: timed out waiting for RESP_CMD")

// ErrUnexpectedResponse is returned when an envelope off the transport's
// msgCh isn't a CmdResponse.
var ErrUnexpectedResponse = errors.New("client: unexpected response type")

// Client issues REQ_CMD to a replica and waits for RESP_CMD.
type Client struct {
	logger     hclog.Logger
	trans      *conn.NetworkTransport
	listenAddr string
	timeout    time.Duration
}

// NewClient builds a client listening at listenAddr for RESP_CMD
// (the server dials back to this address).
func NewClient(logger hclog.Logger, trans *conn.NetworkTransport, listenAddr string, timeout time.Duration) *Client {
	return &Client{logger: logger, trans: trans, listenAddr: listenAddr, timeout: timeout}
}

// Dial builds a Client that owns its own transport, listening at
// listenAddr for RESP_CMD. It is a convenience for standalone callers
// (the CLI client) that don't already have a NetworkTransport wired up.
func Dial(listenAddr string, timeout time.Duration) (*Client, error) {
	var respSample CmdResponse
	trans, err := conn.NewTCPTransport(listenAddr, timeout, nil, 4, map[uint8]reflect.Type{
		RespCmdOpcode: reflect.TypeOf(respSample),
	})
	if err != nil {
		return nil, err
	}
	return NewClient(hclog.NewNullLogger(), trans, trans.LocalAddr(), timeout), nil
}

// SubmitCommand sends payload to replicaAddr and blocks for its Finality.
func (c *Client) SubmitCommand(replicaAddr string, payload []byte) (*entity.Finality, error) {
	conn_, err := c.trans.GetConn(replicaAddr)
	if err != nil {
		return nil, err
	}
	req := &CmdRequest{Cmd: &entity.Command{Payload: payload}, ClientAddr: c.listenAddr}
	if err := conn.SendMsg(conn_, ReqCmdOpcode, req, nil); err != nil {
		return nil, err
	}
	if err := c.trans.ReturnConn(conn_); err != nil {
		c.logger.Warn("failed to pool connection after send", "error", err)
	}

	select {
	case envelope := <-c.trans.MsgChan():
		resp, ok := envelope.Msg.(CmdResponse)
		if !ok {
			return nil, ErrUnexpectedResponse
		}
		return resp.Finality, nil
	case <-time.After(c.timeout):
		return nil, ErrTimeout
	}
}

// SubmitWithRetry submits payload to startAddr and, if told the command
// landed on a non-proposer, retries against the named proposer's address
// (looked up via addrByID) up to maxRetries times.
func (c *Client) SubmitWithRetry(startID string, addrByID map[string]string, payload []byte, maxRetries int) (*entity.Finality, error) {
	id := startID
	for attempt := 0; attempt <= maxRetries; attempt++ {
		addr, ok := addrByID[id]
		if !ok {
			return nil, errors.New("client: no known address for replica " + id)
		}
		finality, err := c.SubmitCommand(addr, payload)
		if err != nil {
			return nil, err
		}
		if finality.Decision != entity.DecisionNotProposer {
			return finality, nil
		}
		id = finality.Proposer
	}
	return nil, errors.New("client: exceeded retries chasing the current proposer")
}
