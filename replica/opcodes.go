package replica

import (
	"reflect"

	"github.com/nibeshrestha/optsync/client"
	"github.com/nibeshrestha/optsync/entity"
)

// Opcodes for the replica-to-replica transport. Grounded on
// gradeddag/msg_type.go's uint8-tagged-const-plus-reflectedTypesMap
// pattern, generalized to chained HotStuff's PROPOSE/VOTE/REQ_BLOCK/
// RESP_BLOCK set plus a peer-side command-fetch pair.
const (
	ProposeOpcode uint8 = iota
	VoteOpcode
	ReqBlockOpcode
	RespBlockOpcode
	ReqCmdPeerOpcode
	RespCmdPeerOpcode
)

// BlockRequest is REQ_BLOCK: ask RequesterAddr's sender for the blocks
// named in Payload, the little-endian u32-count-prefixed hash list
// spec.md §6 mandates (entity.EncodeHashList/DecodeHashList).
type BlockRequest struct {
	Payload       []byte
	RequesterAddr string
}

// BlockResponse is RESP_BLOCK: Payload is entity.EncodeBlockList's
// count-prefixed, length-prefixed block list, answering every hash the
// responder recognized out of the matching BlockRequest.
type BlockResponse struct {
	Payload []byte
}

// CommandRequestMsg is the peer-to-peer counterpart of REQ_BLOCK for
// command payloads referenced by hash inside a delivered block.
type CommandRequestMsg struct {
	Hash          []byte
	RequesterAddr string
}

// CommandResponse answers a CommandRequestMsg.
type CommandResponse struct {
	Command *entity.Command
}

var (
	proposeSample   entity.Proposal
	voteSample      entity.Vote
	blockReqSample  BlockRequest
	blockRespSample BlockResponse
	cmdReqSample    CommandRequestMsg
	cmdRespSample   CommandResponse
)

var reflectedTypesMap = map[uint8]reflect.Type{
	ProposeOpcode:     reflect.TypeOf(proposeSample),
	VoteOpcode:        reflect.TypeOf(voteSample),
	ReqBlockOpcode:    reflect.TypeOf(blockReqSample),
	RespBlockOpcode:   reflect.TypeOf(blockRespSample),
	ReqCmdPeerOpcode:  reflect.TypeOf(cmdReqSample),
	RespCmdPeerOpcode: reflect.TypeOf(cmdRespSample),
}

var (
	cmdRequestSample  client.CmdRequest
	cmdResponseSample client.CmdResponse
)

// clientReflectedTypesMap drives the second NetworkTransport instance
// bound to the client-facing listener (cport), kept entirely separate
// from the peer-to-peer opcode space above.
var clientReflectedTypesMap = map[uint8]reflect.Type{
	client.ReqCmdOpcode:  reflect.TypeOf(cmdRequestSample),
	client.RespCmdOpcode: reflect.TypeOf(cmdResponseSample),
}
