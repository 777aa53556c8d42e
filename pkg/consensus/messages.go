package consensus

// Proposal carries a signed block from its round's leader.
type Proposal struct {
	Block *Block
}

// Vote is a validator's BLS share over the block it votes for. Votes for the
// same block aggregate into its QuorumCert.
type Vote struct {
	Block    BlockInfo
	Author   Author
	SigShare []byte
}

// VoteMessage is the message every voter for block signs.
func VoteMessage(block BlockInfo) []byte {
	return NewQuorumCert(block, nil, nil).SigningMessage()
}
