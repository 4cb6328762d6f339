package replica

import (
	"github.com/hashicorp/go-hclog"

	"github.com/nibeshrestha/optsync/conn"
	"github.com/nibeshrestha/optsync/entity"
)

// peerLink is the replica-to-replica side of the wire: it implements
// consensus.Broadcaster (PROPOSE/VOTE) and fetch.Requester (REQ_BLOCK/
// REQ_CMD) over one conn.NetworkTransport, and answers REQ_BLOCK/REQ_CMD
// from the dispatch loop.
type peerLink struct {
	logger   hclog.Logger
	trans    *conn.NetworkTransport
	self     string
	selfAddr string
	addrByID map[string]string
}

func (p *peerLink) send(addr string, opcode uint8, msg interface{}) {
	c, err := p.trans.GetConn(addr)
	if err != nil {
		p.logger.Warn("failed to dial peer", "addr", addr, "error", err)
		return
	}
	if err := conn.SendMsg(c, opcode, msg, nil); err != nil {
		p.logger.Warn("failed to send to peer", "addr", addr, "error", err)
		return
	}
	if err := p.trans.ReturnConn(c); err != nil {
		p.logger.Warn("failed to pool connection", "addr", addr, "error", err)
	}
}

// BroadcastProposal implements consensus.Broadcaster.
func (p *peerLink) BroadcastProposal(pr *entity.Proposal) {
	for id, addr := range p.addrByID {
		if id == p.self {
			continue
		}
		go p.send(addr, ProposeOpcode, pr)
	}
}

// SendVote implements consensus.Broadcaster.
func (p *peerLink) SendVote(to string, v *entity.Vote) {
	addr, ok := p.addrByID[to]
	if !ok {
		p.logger.Warn("unknown vote recipient", "id", to)
		return
	}
	go p.send(addr, VoteOpcode, v)
}

// RequestBlock implements fetch.Requester, framing a single-hash
// REQ_BLOCK the way spec.md §6 mandates so a later multi-hash batcher
// can reuse the same wire shape without a format change.
func (p *peerLink) RequestBlock(hash []byte, candidate string) {
	addr, ok := p.addrByID[candidate]
	if !ok {
		p.logger.Warn("unknown fetch candidate", "id", candidate)
		return
	}
	payload := entity.EncodeHashList([][]byte{hash})
	go p.send(addr, ReqBlockOpcode, &BlockRequest{Payload: payload, RequesterAddr: p.selfAddr})
}

// RequestCommand implements fetch.Requester.
func (p *peerLink) RequestCommand(hash []byte, candidate string) {
	addr, ok := p.addrByID[candidate]
	if !ok {
		p.logger.Warn("unknown fetch candidate", "id", candidate)
		return
	}
	go p.send(addr, ReqCmdPeerOpcode, &CommandRequestMsg{Hash: hash, RequesterAddr: p.selfAddr})
}
