package consensus

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/uhyunpark/hyperbft/pkg/util"
)

type BlockTreeConfig struct {
	// Author stamped on blocks built by InsertBlockWithQC.
	Author Author
	Store  TreeStore
	WAL    WAL
	Logger *zap.SugaredLogger
	// OnHighestCertified runs outside the tree lock whenever the highest
	// certified block changes.
	OnHighestCertified func(b *Block, qc QuorumCert)
}

type linkableBlock struct {
	block    *Block
	certQC   *QuorumCert // certificate for this block, nil until certified
	children map[Hash]struct{}
}

// BlockTree holds every block from the ordered root forward together with the
// certificates for them. All mutations take the write lock; readers share the
// read lock.
//
// The highest certified block depends only on the set of certificates held:
// the highest certified round wins, ties go to the smallest id.
type BlockTree struct {
	mu sync.RWMutex

	blocks             map[Hash]*linkableBlock
	rootID             Hash
	highestCertifiedID Hash
	highestTimeout     *TimeoutCertificate

	cfg BlockTreeConfig
	log *zap.SugaredLogger

	// set while replaying a TreeStore so nothing is written back
	replaying bool
}

// NewBlockTree starts a tree at root, which rootQC must certify.
func NewBlockTree(root *Block, rootQC QuorumCert, cfg BlockTreeConfig) (*BlockTree, error) {
	t, err := newBlockTree(root, rootQC, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Store != nil {
		if err := cfg.Store.SaveBlocks(root); err != nil {
			return nil, fmt.Errorf("save root: %w", err)
		}
		if err := cfg.Store.SaveQuorumCerts(rootQC); err != nil {
			return nil, fmt.Errorf("save root qc: %w", err)
		}
		if err := cfg.Store.SaveRoot(root.ID); err != nil {
			return nil, fmt.Errorf("save root id: %w", err)
		}
	}
	return t, nil
}

func newBlockTree(root *Block, rootQC QuorumCert, cfg BlockTreeConfig) (*BlockTree, error) {
	if root == nil {
		return nil, fmt.Errorf("%w: nil root", ErrInvalidBlock)
	}
	if rootQC.CertifiedBlock != root.Info() {
		return nil, fmt.Errorf("%w: root qc certifies %s, root is %s", ErrInvalidQuorumCert, rootQC.CertifiedBlock.ID.Short(), root.ID.Short())
	}
	qc := rootQC
	t := &BlockTree{
		blocks: map[Hash]*linkableBlock{
			root.ID: {block: root, certQC: &qc, children: make(map[Hash]struct{})},
		},
		rootID:             root.ID,
		highestCertifiedID: root.ID,
		cfg:                cfg,
		log:                util.OrNop(cfg.Logger),
	}
	return t, nil
}

// RecoverBlockTree rebuilds a tree from persisted data. Blocks that no longer
// connect to the root are skipped.
func RecoverBlockTree(data *RecoveryData, cfg BlockTreeConfig) (*BlockTree, error) {
	if data == nil {
		return nil, fmt.Errorf("%w: no recovery data", ErrUnknownBlock)
	}
	var root *Block
	for _, b := range data.Blocks {
		if b.ID == data.RootID {
			root = b
			break
		}
	}
	if root == nil {
		return nil, fmt.Errorf("%w: root %s missing from recovery data", ErrUnknownBlock, data.RootID.Short())
	}
	var rootQC *QuorumCert
	for i := range data.QuorumCerts {
		if data.QuorumCerts[i].CertifiedBlock.ID == root.ID {
			rootQC = &data.QuorumCerts[i]
			break
		}
	}
	if rootQC == nil {
		return nil, fmt.Errorf("%w: no certificate for root %s", ErrInvalidQuorumCert, root.ID.Short())
	}

	t, err := newBlockTree(root, *rootQC, cfg)
	if err != nil {
		return nil, err
	}
	t.replaying = true
	defer func() { t.replaying = false }()

	blocks := append([]*Block(nil), data.Blocks...)
	// a child's round is always above its parent's
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Round < blocks[j].Round })
	for _, b := range blocks {
		if b.ID == root.ID || b.Round <= root.Round {
			continue
		}
		if _, err := t.InsertBlock(b); err != nil {
			t.log.Warnw("recovery_skip_block", "block", b.ID.Short(), "round", b.Round, "err", err)
		}
	}
	for _, qc := range data.QuorumCerts {
		if !t.BlockExists(qc.CertifiedBlock.ID) {
			continue
		}
		if err := t.InsertQuorumCert(qc); err != nil {
			t.log.Warnw("recovery_skip_qc", "block", qc.CertifiedBlock.ID.Short(), "err", err)
		}
	}
	hc := t.HighestCertifiedBlock()
	t.log.Infow("block_tree_recovered",
		"root", root.ID.Short(), "root_round", root.Round,
		"blocks", t.Len(), "highest_certified_round", hc.Round)
	return t, nil
}

// ---- reads ----

func (t *BlockTree) OrderedRoot() *Block {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.blocks[t.rootID].block
}

func (t *BlockTree) HighestCertifiedBlock() *Block {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.blocks[t.highestCertifiedID].block
}

func (t *BlockTree) HighestQuorumCert() QuorumCert {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return *t.blocks[t.highestCertifiedID].certQC
}

func (t *BlockTree) HighestCertified() (*Block, QuorumCert) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := t.blocks[t.highestCertifiedID]
	return n.block, *n.certQC
}

func (t *BlockTree) HighestTimeoutCert() *TimeoutCertificate {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.highestTimeout == nil {
		return nil
	}
	tc := *t.highestTimeout
	return &tc
}

func (t *BlockTree) GetBlock(id Hash) (*Block, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.blocks[id]
	if !ok {
		return nil, false
	}
	return n.block, true
}

func (t *BlockTree) BlockExists(id Hash) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.blocks[id]
	return ok
}

// QuorumCertFor returns the certificate for block id, if it is certified.
func (t *BlockTree) QuorumCertFor(id Hash) (QuorumCert, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.blocks[id]
	if !ok || n.certQC == nil {
		return QuorumCert{}, false
	}
	return *n.certQC, true
}

// PathFromRoot returns the blocks from the root's child down to id, in
// order. The root itself is not included.
func (t *BlockTree) PathFromRoot(id Hash) ([]*Block, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var path []*Block
	cur := id
	for cur != t.rootID {
		n, ok := t.blocks[cur]
		if !ok {
			return nil, false
		}
		path = append(path, n.block)
		cur = n.block.ParentID()
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, true
}

func (t *BlockTree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.blocks)
}

// ---- mutations ----

// InsertBlock adds a verified block. Inserting a block that is already known
// returns the stored copy. The certificate embedded in b is recorded for
// b's parent.
func (t *BlockTree) InsertBlock(b *Block) (*Block, error) {
	if err := b.VerifyWellFormed(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	if n, ok := t.blocks[b.ID]; ok {
		t.mu.Unlock()
		return n.block, nil
	}
	parentNode, ok := t.blocks[b.ParentID()]
	if !ok {
		t.mu.Unlock()
		return nil, UnknownParentError{ParentID: b.ParentID(), Round: b.Round}
	}
	if err := checkExtends(b, parentNode.block); err != nil {
		t.mu.Unlock()
		return nil, err
	}

	newQC := parentNode.certQC == nil
	if t.cfg.Store != nil && !t.replaying {
		if err := t.cfg.Store.SaveBlocks(b); err != nil {
			t.mu.Unlock()
			return nil, fmt.Errorf("persist block %s: %w", b.ID.Short(), err)
		}
		if newQC {
			if err := t.cfg.Store.SaveQuorumCerts(b.QuorumCert); err != nil {
				t.mu.Unlock()
				return nil, fmt.Errorf("persist qc for %s: %w", parentNode.block.ID.Short(), err)
			}
		}
	}

	t.blocks[b.ID] = &linkableBlock{block: b, children: make(map[Hash]struct{})}
	parentNode.children[b.ID] = struct{}{}
	changed := false
	if newQC {
		changed = t.recordQCLocked(parentNode, b.QuorumCert)
	}
	hb, hqc := t.highestLocked()
	t.mu.Unlock()

	t.audit("block id=%s round=%d parent=%s author=%s txs=%d", b.ID, b.Round, b.ParentID(), b.Author.Hex(), len(b.Payload))
	t.log.Debugw("block_inserted", "block", b.ID.Short(), "round", b.Round, "parent", b.ParentID().Short())
	if changed {
		t.certifiedChanged(hb, hqc)
	}
	return b, nil
}

func checkExtends(b, parent *Block) error {
	if b.QuorumCert.CertifiedBlock != parent.Info() {
		return fmt.Errorf("%w: embedded qc does not match parent %s", ErrInvalidQuorumCert, parent.ID.Short())
	}
	if b.Epoch != parent.Epoch {
		return fmt.Errorf("%w: epoch %d differs from parent epoch %d", ErrInvalidBlock, b.Epoch, parent.Epoch)
	}
	if b.Round <= parent.Round {
		return fmt.Errorf("%w: round %d does not exceed parent round %d", ErrInvalidBlock, b.Round, parent.Round)
	}
	if b.Timestamp <= parent.Timestamp {
		return fmt.Errorf("%w: timestamp %d not after parent timestamp %d", ErrInvalidBlock, b.Timestamp, parent.Timestamp)
	}
	return nil
}

// InsertBlockWithQC builds a block at round extending parent, embedding qc,
// and inserts it. The block carries no payload and is stamped one
// microsecond after its parent.
//
// qc must certify parent itself, not an older ancestor: a block's parent is
// the block its embedded certificate names, so a block carrying an
// ancestor's certificate would hang off that ancestor instead. Such a qc is
// rejected with ErrInvalidQuorumCert. To extend an ancestor, pass it as
// parent together with its own certificate.
func (t *BlockTree) InsertBlockWithQC(qc QuorumCert, parent *Block, round Round) (*Block, error) {
	if parent == nil {
		return nil, fmt.Errorf("%w: nil parent", ErrInvalidBlock)
	}
	if !t.BlockExists(parent.ID) {
		return nil, UnknownParentError{ParentID: parent.ID, Round: round}
	}
	if qc.CertifiedBlock.ID != parent.ID {
		return nil, fmt.Errorf("%w: qc certifies %s, parent is %s", ErrInvalidQuorumCert, qc.CertifiedBlock.ID.Short(), parent.ID.Short())
	}
	if round <= parent.Round {
		return nil, fmt.Errorf("%w: round %d does not exceed parent round %d", ErrInvalidBlock, round, parent.Round)
	}
	b := NewUnsignedBlock(BlockData{
		Epoch:      parent.Epoch,
		Round:      round,
		Timestamp:  parent.Timestamp + 1,
		QuorumCert: qc,
		Type:       BlockTypeProposal,
		Author:     t.cfg.Author,
	})
	return t.InsertBlock(b)
}

// InsertQuorumCert records a verified certificate. Repeating a certificate
// for an already certified block is a no-op.
func (t *BlockTree) InsertQuorumCert(qc QuorumCert) error {
	t.mu.Lock()
	n, ok := t.blocks[qc.CertifiedBlock.ID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: qc certifies %s at round %d", ErrUnknownBlock, qc.CertifiedBlock.ID.Short(), qc.CertifiedBlock.Round)
	}
	if n.block.Info() != qc.CertifiedBlock {
		t.mu.Unlock()
		return fmt.Errorf("%w: certified info does not match block %s", ErrInvalidQuorumCert, n.block.ID.Short())
	}
	if n.certQC != nil {
		t.mu.Unlock()
		return nil
	}
	if t.cfg.Store != nil && !t.replaying {
		if err := t.cfg.Store.SaveQuorumCerts(qc); err != nil {
			t.mu.Unlock()
			return fmt.Errorf("persist qc for %s: %w", n.block.ID.Short(), err)
		}
	}
	changed := t.recordQCLocked(n, qc)
	hb, hqc := t.highestLocked()
	t.mu.Unlock()

	t.log.Debugw("qc_inserted", "block", qc.CertifiedBlock.ID.Short(), "round", qc.CertifiedBlock.Round)
	if changed {
		t.certifiedChanged(hb, hqc)
	}
	return nil
}

// InsertQCForBlock marks block as certified, without signature evidence.
// tc, when given, is recorded as a timeout certificate.
func (t *BlockTree) InsertQCForBlock(block *Block, tc *TimeoutCertificate) error {
	if tc != nil {
		t.InsertTimeoutCert(*tc)
	}
	return t.InsertQuorumCert(NewQuorumCert(block.Info(), nil, nil))
}

// InsertTimeoutCert keeps tc if its round is the highest seen so far.
func (t *BlockTree) InsertTimeoutCert(tc TimeoutCertificate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.highestTimeout == nil || tc.Round > t.highestTimeout.Round {
		t.highestTimeout = &tc
	}
}

// CommitRoot makes the certified block id the new ordered root and prunes
// every block that does not descend from it. It returns the pruned ids,
// lowest round first.
func (t *BlockTree) CommitRoot(id Hash) ([]Hash, error) {
	t.mu.Lock()
	n, ok := t.blocks[id]
	if !ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: commit target %s", ErrUnknownBlock, id.Short())
	}
	if id == t.rootID {
		t.mu.Unlock()
		return nil, nil
	}
	if n.certQC == nil {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot commit uncertified block %s", ErrInvalidBlock, id.Short())
	}

	keep := make(map[Hash]struct{}, len(t.blocks))
	queue := []Hash{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		keep[cur] = struct{}{}
		for c := range t.blocks[cur].children {
			queue = append(queue, c)
		}
	}
	var pruned []*Block
	for bid, bn := range t.blocks {
		if _, ok := keep[bid]; !ok {
			pruned = append(pruned, bn.block)
		}
	}
	sort.Slice(pruned, func(i, j int) bool {
		if pruned[i].Round != pruned[j].Round {
			return pruned[i].Round < pruned[j].Round
		}
		return pruned[i].ID.Less(pruned[j].ID)
	})
	ids := make([]Hash, len(pruned))
	for i, b := range pruned {
		ids[i] = b.ID
	}

	if t.cfg.Store != nil && !t.replaying {
		if err := t.cfg.Store.PruneTo(id, ids...); err != nil {
			t.mu.Unlock()
			return nil, fmt.Errorf("persist root %s: %w", id.Short(), err)
		}
	}

	for _, bid := range ids {
		delete(t.blocks, bid)
	}
	t.rootID = id
	changed := false
	if _, ok := t.blocks[t.highestCertifiedID]; !ok {
		t.highestCertifiedID = t.bestCertifiedLocked()
		changed = true
	}
	hb, hqc := t.highestLocked()
	t.mu.Unlock()

	t.audit("commit root=%s round=%d pruned=%d", n.block.ID, n.block.Round, len(ids))
	t.log.Infow("root_committed", "root", id.Short(), "round", n.block.Round, "pruned", len(ids))
	if changed {
		t.certifiedChanged(hb, hqc)
	}
	return ids, nil
}

// recordQCLocked attaches qc to n and advances the highest certified block if
// n now ranks above it.
func (t *BlockTree) recordQCLocked(n *linkableBlock, qc QuorumCert) bool {
	c := qc
	n.certQC = &c
	cur := t.blocks[t.highestCertifiedID].block
	if !ranksAbove(n.block, cur) {
		return false
	}
	t.highestCertifiedID = n.block.ID
	return true
}

func (t *BlockTree) bestCertifiedLocked() Hash {
	var best *Block
	for _, n := range t.blocks {
		if n.certQC == nil {
			continue
		}
		if best == nil || ranksAbove(n.block, best) {
			best = n.block
		}
	}
	return best.ID
}

func (t *BlockTree) highestLocked() (*Block, QuorumCert) {
	n := t.blocks[t.highestCertifiedID]
	return n.block, *n.certQC
}

// ranksAbove orders certified blocks: higher round first, then smaller id.
func ranksAbove(a, b *Block) bool {
	if a.Round != b.Round {
		return a.Round > b.Round
	}
	return a.ID.Less(b.ID)
}

func (t *BlockTree) certifiedChanged(b *Block, qc QuorumCert) {
	t.audit("certified id=%s round=%d", b.ID, b.Round)
	t.log.Infow("highest_certified_changed", "block", b.ID.Short(), "round", b.Round)
	if t.cfg.OnHighestCertified != nil {
		t.cfg.OnHighestCertified(b, qc)
	}
}

func (t *BlockTree) audit(format string, args ...any) {
	if t.cfg.WAL == nil || t.replaying {
		return
	}
	t.cfg.WAL.Append(fmt.Sprintf(format, args...))
}
