package p2p

import (
	"bytes"
	"encoding/gob"

	"github.com/uhyunpark/hyperbft/pkg/consensus"
)

func init() {
	gob.Register(ProposalWire{})
	gob.Register(QuorumCertWire{})
	gob.Register(VoteWire{})
}

type ProposalWire struct {
	Block []byte // gob-encoded consensus.Block
}

type QuorumCertWire struct {
	QC []byte // gob-encoded consensus.QuorumCert
}

// VoteWire is published on the vote topic; only To keeps it.
type VoteWire struct {
	To   consensus.Author
	Vote []byte // gob-encoded consensus.Vote
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func encodeProposal(p consensus.Proposal) ([]byte, error) {
	bb, err := gobEncode(p.Block)
	if err != nil {
		return nil, err
	}
	return gobEncode(ProposalWire{Block: bb})
}

func decodeProposal(data []byte) (consensus.Proposal, error) {
	var w ProposalWire
	if err := gobDecode(data, &w); err != nil {
		return consensus.Proposal{}, err
	}
	var blk consensus.Block
	if err := gobDecode(w.Block, &blk); err != nil {
		return consensus.Proposal{}, err
	}
	return consensus.Proposal{Block: &blk}, nil
}

func encodeQuorumCert(qc consensus.QuorumCert) ([]byte, error) {
	qb, err := gobEncode(qc)
	if err != nil {
		return nil, err
	}
	return gobEncode(QuorumCertWire{QC: qb})
}

func decodeQuorumCert(data []byte) (consensus.QuorumCert, error) {
	var w QuorumCertWire
	if err := gobDecode(data, &w); err != nil {
		return consensus.QuorumCert{}, err
	}
	var qc consensus.QuorumCert
	err := gobDecode(w.QC, &qc)
	return qc, err
}

func encodeVote(to consensus.Author, v consensus.Vote) ([]byte, error) {
	vb, err := gobEncode(v)
	if err != nil {
		return nil, err
	}
	return gobEncode(VoteWire{To: to, Vote: vb})
}

func decodeVote(data []byte) (consensus.Author, consensus.Vote, error) {
	var w VoteWire
	if err := gobDecode(data, &w); err != nil {
		return consensus.Author{}, consensus.Vote{}, err
	}
	var v consensus.Vote
	err := gobDecode(w.Vote, &v)
	return w.To, v, err
}
