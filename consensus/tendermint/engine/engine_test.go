package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/HoOngEe/codechain/common"
	"github.com/HoOngEe/codechain/consensus"
	"github.com/HoOngEe/codechain/consensus/tendermint/bitset"
	"github.com/HoOngEe/codechain/consensus/tendermint/messages"
	"github.com/HoOngEe/codechain/consensus/tendermint/sortition"
	"github.com/HoOngEe/codechain/crypto/hashutil"
	"github.com/HoOngEe/codechain/crypto/schnorr"
	"github.com/HoOngEe/codechain/internal/config"
	"github.com/HoOngEe/codechain/internal/evidence"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fixedCommittee is a trivial consensus.DynamicValidator backed by a
// fixed keypair set and a fixed proposer, mirroring core's test helper
// of the same shape.
type fixedCommittee struct {
	keys     []schnorr.PrivateKey
	proposer uint64
}

func newFixedCommittee(t *testing.T, n int, proposer uint64) *fixedCommittee {
	t.Helper()
	fc := &fixedCommittee{proposer: proposer}
	for i := 0; i < n; i++ {
		k, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		fc.keys = append(fc.keys, schnorr.NewPrivateKey(k))
	}
	return fc
}

func (fc *fixedCommittee) At(height uint64) (consensus.ValidatorSetView, error) {
	return fixedCommitteeView{fc}, nil
}

type fixedCommitteeView struct{ fc *fixedCommittee }

func (v fixedCommitteeView) Count() int { return len(v.fc.keys) }

func (v fixedCommitteeView) PublicKey(index uint64) (schnorr.PublicKey, error) {
	return v.fc.keys[index].PublicKey(), nil
}

func (v fixedCommitteeView) ProposerIndex(parentHash common.Hash, prevProposerIndex uint64, view uint64) (uint64, error) {
	return v.fc.proposer, nil
}

// fakeNetwork records broadcasts so a test can assert on wire traffic
// without a real transport.
type fakeNetwork struct {
	mu         sync.Mutex
	broadcasts [][]byte
	sent       map[common.Address][][]byte
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{sent: make(map[common.Address][][]byte)}
}

func (n *fakeNetwork) Broadcast(envelope []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.broadcasts = append(n.broadcasts, envelope)
	return nil
}

func (n *fakeNetwork) Send(peer common.Address, envelope []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent[peer] = append(n.sent[peer], envelope)
	return nil
}

// fakeProducer immediately returns a fixed block body, hashed with the
// same function the engine uses to identify an imported block.
type fakeProducer struct{ body []byte }

func (p fakeProducer) Generate(ctx context.Context, parentHash common.Hash) (common.Hash, []byte, error) {
	return hashutil.Sum256(p.body), p.body, nil
}

// fakeImporter accepts every block immediately, reporting the same
// hash a producer would have derived from its body.
type fakeImporter struct{}

func (fakeImporter) Import(ctx context.Context, block []byte) (common.Hash, error) {
	return hashutil.Sum256(block), nil
}

// fakeVRF returns a fixed, always-winning priority claim.
type fakeVRF struct{ value uint64 }

func (v fakeVRF) PriorityFor(seed sortition.SeedInfo, height, view uint64, privateKey []byte) (sortition.PriorityMessage, error) {
	return sortition.PriorityMessage{PriorityValue: v.value}, nil
}

func (v fakeVRF) Verify(seed sortition.SeedInfo, height, view uint64, signer []byte, msg sortition.PriorityMessage) (bool, error) {
	return true, nil
}

// testConfig keeps every timeout short so a timer goroutine armed for
// a step the driver has already moved past still fires, and exits,
// well within a test's lifetime.
func testConfig() config.Config {
	cfg := config.Defaults
	cfg.ProposeTimeout = 15 * time.Millisecond
	cfg.PrevoteTimeout = 60 * time.Millisecond
	cfg.PrecommitTimeout = 60 * time.Millisecond
	cfg.CommitTimeout = 60 * time.Millisecond
	cfg.SyncRequestInterval = time.Hour
	return cfg
}

func castVote(t *testing.T, fc *fixedCommittee, signer uint64, step messages.VoteStep, hash *common.Hash) []byte {
	t.Helper()
	vote, err := messages.NewVote(step, hash, signer, fc.keys[signer])
	require.NoError(t, err)
	encoded, err := rlp.EncodeToBytes(vote)
	require.NoError(t, err)
	batch := &messages.ConsensusMessageBatch{Messages: [][]byte{encoded}}
	payload, err := messages.EncodeToBytes(batch)
	require.NoError(t, err)
	return payload
}

// TestEngineDriverCommitsOneHeight drives one EngineDriver, playing
// the other two committee members' votes in by hand, and checks it
// reaches PhaseCommit and delivers a CommittedBlock.
func TestEngineDriverCommitsOneHeight(t *testing.T) {
	fc := newFixedCommittee(t, 3, 0)
	net := newFakeNetwork()
	body := []byte{0xaa, 0xbb, 0xcc}

	driver, err := New(
		0, fc.keys[0],
		1, common.HexToHash("0x6e0e"),
		fc, net, fakeProducer{body: body}, fakeImporter{}, fakeVRF{value: 10},
		evidence.NewReporter(config.Defaults.EquivocationEvidenceBufferSize),
		testConfig(),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, driver.Start(ctx))
	defer func() {
		require.NoError(t, driver.Stop())
		// Stop cancels runCtx, which every armTimeoutLocked goroutine
		// selects on; this just gives them a moment to unwind before
		// the package's TestMain checks for leaks.
		time.Sleep(200 * time.Millisecond)
	}()

	hash := hashutil.Sum256(body)

	// Let the propose timeout fire locally (own block generation and
	// import are near-instant), moving the driver to Prevote.
	// The first broadcast is the own proposal, the second the own
	// prevote, sent once the driver has entered Prevote.
	require.Eventually(t, func() bool {
		return len(net.broadcastsSnapshot()) >= 2
	}, time.Second, 5*time.Millisecond, "own proposal and own prevote should be broadcast")

	prevoteStep := messages.NewVoteStep(1, 0, messages.Prevote)
	require.NoError(t, driver.HandleEnvelope(common.Address{1}, castVote(t, fc, 1, prevoteStep, &hash)))
	require.NoError(t, driver.HandleEnvelope(common.Address{2}, castVote(t, fc, 2, prevoteStep, &hash)))

	precommitStep := messages.NewVoteStep(1, 0, messages.Precommit)
	require.NoError(t, driver.HandleEnvelope(common.Address{1}, castVote(t, fc, 1, precommitStep, &hash)))
	require.NoError(t, driver.HandleEnvelope(common.Address{2}, castVote(t, fc, 2, precommitStep, &hash)))

	select {
	case committed := <-driver.Commits():
		require.Equal(t, uint64(1), committed.Height)
		require.Equal(t, hash, committed.Hash)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for committed block")
	}
}

func (n *fakeNetwork) broadcastsSnapshot() [][]byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([][]byte, len(n.broadcasts))
	copy(out, n.broadcasts)
	return out
}

func (n *fakeNetwork) sentSnapshot(peer common.Address) [][]byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([][]byte, len(n.sent[peer]))
	copy(out, n.sent[peer])
	return out
}

// TestAnswerRequestMessageRepliesWithVotes drives a peer's catch-up
// RequestMessage and checks the reply carries the actual
// ConsensusMessage for the signer it asked about, not a StepState
// summary.
func TestAnswerRequestMessageRepliesWithVotes(t *testing.T) {
	fc := newFixedCommittee(t, 3, 0)
	net := newFakeNetwork()
	body := []byte{0xaa}

	driver, err := New(
		0, fc.keys[0],
		1, common.HexToHash("0x6e0e"),
		fc, net, fakeProducer{body: body}, fakeImporter{}, fakeVRF{value: 10},
		evidence.NewReporter(config.Defaults.EquivocationEvidenceBufferSize),
		testConfig(),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, driver.Start(ctx))
	defer func() {
		require.NoError(t, driver.Stop())
		time.Sleep(200 * time.Millisecond)
	}()

	hash := hashutil.Sum256(body)
	prevoteStep := messages.NewVoteStep(1, 0, messages.Prevote)
	require.NoError(t, driver.HandleEnvelope(common.Address{1}, castVote(t, fc, 1, prevoteStep, &hash)))

	requested := bitset.New(3)
	requested.Set(1)
	req := &messages.RequestMessage{VoteStep: prevoteStep, RequestedVotes: requested}
	payload, err := messages.EncodeToBytes(req)
	require.NoError(t, err)
	require.NoError(t, driver.HandleEnvelope(common.Address{9}, payload))

	require.Eventually(t, func() bool {
		return len(net.sentSnapshot(common.Address{9})) >= 1
	}, time.Second, 5*time.Millisecond, "request for a known vote should get a direct reply")

	replies := net.sentSnapshot(common.Address{9})
	env, err := messages.Decode(replies[len(replies)-1])
	require.NoError(t, err)
	batch, ok := env.(*messages.ConsensusMessageBatch)
	require.True(t, ok, "a known signer's vote should be answered with the real message, not a StepState")
	require.Len(t, batch.Messages, 1)

	var cm messages.ConsensusMessage
	require.NoError(t, rlp.DecodeBytes(batch.Messages[0], &cm))
	require.Equal(t, uint64(1), cm.SignerIndex)
}

// TestAnswerRequestProposalRepliesWithBlock drives a peer's catch-up
// RequestProposal and checks the reply carries the real signed block,
// not a StepState summary.
func TestAnswerRequestProposalRepliesWithBlock(t *testing.T) {
	fc := newFixedCommittee(t, 3, 0)
	net := newFakeNetwork()
	body := []byte{0xbb}

	driver, err := New(
		0, fc.keys[0],
		1, common.HexToHash("0x6e0e"),
		fc, net, fakeProducer{body: body}, fakeImporter{}, fakeVRF{value: 10},
		evidence.NewReporter(config.Defaults.EquivocationEvidenceBufferSize),
		testConfig(),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, driver.Start(ctx))
	defer func() {
		require.NoError(t, driver.Stop())
		time.Sleep(200 * time.Millisecond)
	}()

	require.Eventually(t, func() bool {
		return len(net.broadcastsSnapshot()) >= 1
	}, time.Second, 5*time.Millisecond, "own proposal should be broadcast before it can be requested back")

	req := &messages.RequestProposal{Height: 1, View: 0}
	payload, err := messages.EncodeToBytes(req)
	require.NoError(t, err)
	require.NoError(t, driver.HandleEnvelope(common.Address{9}, payload))

	require.Eventually(t, func() bool {
		return len(net.sentSnapshot(common.Address{9})) >= 1
	}, time.Second, 5*time.Millisecond)

	replies := net.sentSnapshot(common.Address{9})
	env, err := messages.Decode(replies[len(replies)-1])
	require.NoError(t, err)
	block, ok := env.(*messages.ProposalBlock)
	require.True(t, ok, "a known view's proposal should be answered with the real block, not a StepState")
	require.Equal(t, body, block.Block)
}

// TestEngineDriverStopReleasesGoroutines exercises Start/Stop in
// isolation; goleak's TestMain catches a leaked mainEventLoop or
// syncLoop goroutine across the whole package.
func TestEngineDriverStopReleasesGoroutines(t *testing.T) {
	fc := newFixedCommittee(t, 1, 0)
	net := newFakeNetwork()
	body := []byte{0x01}

	driver, err := New(
		0, fc.keys[0],
		1, common.HexToHash("0x6e0e"),
		fc, net, fakeProducer{body: body}, fakeImporter{}, fakeVRF{value: 1},
		nil,
		testConfig(),
	)
	require.NoError(t, err)

	require.NoError(t, driver.Start(context.Background()))
	require.NoError(t, driver.Stop())
	time.Sleep(200 * time.Millisecond)
}
