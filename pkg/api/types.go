package api

import (
	"encoding/hex"

	"github.com/uhyunpark/hyperbft/pkg/consensus"
)

// API response types for REST endpoints and WebSocket messages

// ==============================
// REST Response Types
// ==============================

// BlockInfo is the JSON view of a block in the tree
type BlockInfo struct {
	ID          string   `json:"id"`
	Epoch       uint64   `json:"epoch"`
	Round       uint64   `json:"round"`
	Timestamp   uint64   `json:"timestamp"` // Unix microseconds
	Type        string   `json:"type"`      // "proposal", "nil", "genesis"
	Author      string   `json:"author,omitempty"`
	ParentID    string   `json:"parentId"`
	ParentRound uint64   `json:"parentRound"`
	TxCount     int      `json:"txCount"`
	PayloadSize uint64   `json:"payloadSize"`
	Signature   string   `json:"signature,omitempty"`
	Certified   *QCInfo  `json:"certifiedBy,omitempty"` // QC certifying this block, if any
	Txs         []string `json:"txs,omitempty"`         // tx hashes, only on /blocks/{id}
}

// QCInfo is the JSON view of a quorum certificate
type QCInfo struct {
	BlockID string   `json:"blockId"`
	Round   uint64   `json:"round"`
	Signers []string `json:"signers"`
	AggSig  string   `json:"aggSig,omitempty"`
}

// TreeStatus summarizes the block tree
type TreeStatus struct {
	Root             BlockInfo `json:"root"`
	HighestCertified BlockInfo `json:"highestCertified"`
	HighestQC        QCInfo    `json:"highestQc"`
	Blocks           int       `json:"blocks"`      // blocks held, root included
	MempoolSize      int       `json:"mempoolSize"` // pending transactions
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // "certified", "committed"
}

// CertifiedUpdate is broadcast when the highest certified block changes
type CertifiedUpdate struct {
	Type  string    `json:"type"` // "certified"
	Block BlockInfo `json:"block"`
	QC    QCInfo    `json:"qc"`
}

// CommittedUpdate is broadcast when the ordered root advances
type CommittedUpdate struct {
	Type   string    `json:"type"` // "committed"
	Root   BlockInfo `json:"root"`
	Pruned []string  `json:"pruned"`
}

// ==============================
// REST Request Types
// ==============================

// SubmitTxRequest is the payload for POST /api/v1/txs
type SubmitTxRequest struct {
	Tx string `json:"tx"` // hex, with or without 0x
}

// SubmitTxResponse is the response from transaction submission
type SubmitTxResponse struct {
	Status string `json:"status"` // "submitted"
	Hash   string `json:"hash"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// Conversions
// ==============================

func toBlockInfo(b *consensus.Block) BlockInfo {
	info := BlockInfo{
		ID:          "0x" + b.ID.String(),
		Epoch:       uint64(b.Epoch),
		Round:       uint64(b.Round),
		Timestamp:   b.Timestamp,
		Type:        b.Type.String(),
		ParentID:    "0x" + b.ParentID().String(),
		ParentRound: uint64(b.ParentRound()),
		TxCount:     len(b.Payload),
		PayloadSize: b.Payload.Size(),
	}
	if b.Author != (consensus.Author{}) {
		info.Author = b.Author.Hex()
	}
	if len(b.Signature) > 0 {
		info.Signature = "0x" + hex.EncodeToString(b.Signature)
	}
	return info
}

func toQCInfo(qc consensus.QuorumCert) QCInfo {
	signers := make([]string, len(qc.Signers))
	for i, a := range qc.Signers {
		signers[i] = a.Hex()
	}
	info := QCInfo{
		BlockID: "0x" + qc.CertifiedBlock.ID.String(),
		Round:   uint64(qc.Round()),
		Signers: signers,
	}
	if len(qc.AggSig) > 0 {
		info.AggSig = "0x" + hex.EncodeToString(qc.AggSig)
	}
	return info
}
