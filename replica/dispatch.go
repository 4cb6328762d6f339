package replica

import (
	"context"

	"github.com/nibeshrestha/optsync/client"
	"github.com/nibeshrestha/optsync/entity"
)

// dispatchPeerLoop reads the replica-to-replica transport and fans each
// envelope out to its handler in its own goroutine, mirroring qcdag's
// HandleMsgLoop switch-on-type shape.
func (r *Replica) dispatchPeerLoop(ctx context.Context) {
	msgCh := r.peerTrans.MsgChan()
	for {
		select {
		case <-ctx.Done():
			return
		case envelope := <-msgCh:
			switch m := envelope.Msg.(type) {
			case entity.Proposal:
				go r.handleProposal(ctx, &m)
			case entity.Vote:
				go r.handleVote(ctx, &m)
			case BlockRequest:
				go r.handleBlockRequest(&m)
			case BlockResponse:
				go r.handleBlockResponse(&m)
			case CommandRequestMsg:
				go r.handleCommandRequest(&m)
			case CommandResponse:
				go r.handleCommandResponse(&m)
			default:
				r.logger.Warn("dropping message of unknown type on peer transport")
			}
		}
	}
}

// dispatchClientLoop reads REQ_CMD off the client-facing transport and
// admits each into the pipeline via client.Server.
func (r *Replica) dispatchClientLoop(ctx context.Context) {
	msgCh := r.clientTrans.MsgChan()
	for {
		select {
		case <-ctx.Done():
			return
		case envelope := <-msgCh:
			req, ok := envelope.Msg.(client.CmdRequest)
			if !ok {
				r.logger.Warn("dropping message of unknown type on client transport")
				continue
			}
			go r.clientSrv.Handle(req)
		}
	}
}

func (r *Replica) handleProposal(ctx context.Context, p *entity.Proposal) {
	if err := r.fetch.OnFetchBlock(p.Block); err != nil {
		r.logger.Warn("rejecting malformed proposal", "proposer", p.Proposer, "error", err)
		return
	}
	if err := <-r.fetch.AsyncDeliverBlock(ctx, p.Block.Hash, p.Proposer); err != nil {
		r.logger.Warn("failed to deliver proposed block", "error", err, "height", p.Block.Height)
		return
	}
	b, err := r.store.FindBlock(p.Block.Hash)
	if err != nil {
		r.logger.Warn("delivered block vanished from the store", "error", err)
		return
	}
	if err := r.core.OnReceiveProposal(ctx, b); err != nil {
		r.logger.Warn("failed to process proposal", "error", err, "height", b.Height)
	}
}

func (r *Replica) handleVote(ctx context.Context, v *entity.Vote) {
	if err := r.core.OnReceiveVote(ctx, v); err != nil {
		r.logger.Warn("failed to process vote", "voter", v.Voter, "error", err)
	}
}

func (r *Replica) handleBlockRequest(req *BlockRequest) {
	hashes, err := entity.DecodeHashList(req.Payload)
	if err != nil {
		r.logger.Warn("dropping malformed REQ_BLOCK", "error", err)
		return
	}
	found := make([]*entity.Block, 0, len(hashes))
	for _, h := range hashes {
		b, err := r.store.FindBlock(h)
		if err != nil {
			continue
		}
		found = append(found, b)
	}
	payload, err := entity.EncodeBlockList(found)
	if err != nil {
		r.logger.Warn("failed to encode RESP_BLOCK", "error", err)
		return
	}
	r.link.send(req.RequesterAddr, RespBlockOpcode, &BlockResponse{Payload: payload})
}

func (r *Replica) handleBlockResponse(resp *BlockResponse) {
	blocks, err := entity.DecodeBlockList(resp.Payload)
	if err != nil {
		r.logger.Warn("dropping malformed RESP_BLOCK", "error", err)
		return
	}
	for _, b := range blocks {
		if err := r.fetch.OnFetchBlock(b); err != nil {
			r.logger.Warn("dropping RESP_BLOCK entry with bad hash", "error", err)
		}
	}
}

func (r *Replica) handleCommandRequest(req *CommandRequestMsg) {
	c, err := r.store.FindCommand(req.Hash)
	if err != nil {
		return
	}
	r.link.send(req.RequesterAddr, RespCmdPeerOpcode, &CommandResponse{Command: c})
}

func (r *Replica) handleCommandResponse(resp *CommandResponse) {
	if err := r.fetch.OnFetchCommand(resp.Command); err != nil {
		r.logger.Warn("failed to admit fetched command", "error", err)
	}
}
