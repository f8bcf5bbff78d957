package p2p

import (
	"context"
	"io"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/hadv/ockham/pkg/consensus"
)

const (
	topicProposal = "ockham-proposal"
	topicVote     = "ockham-vote"
	topicQC       = "ockham-qc"
	protocolSync  = protocol.ID("/ockham/sync/1.0.0")
)

// Libp2pNet carries the Simplex message set over gossipsub topics, with a
// unicast stream protocol for pull-based block sync. Inbound messages go
// through the verifier pool when one is attached, otherwise straight to the
// engine handlers.
type Libp2pNet struct {
	h   host.Host
	ps  *pubsub.PubSub
	log *zap.SugaredLogger

	tProposal, tVote, tQC *pubsub.Topic
	subProposal           *pubsub.Subscription
	subVote               *pubsub.Subscription
	subQC                 *pubsub.Subscription

	muH      sync.RWMutex
	handlers consensus.Handlers
	verifier *consensus.Verifier
}

type Config struct {
	ListenAddr string
	Bootstrap  []string
	Logger     *zap.SugaredLogger
}

func NewLibp2pNet(ctx context.Context, cfg Config) (*Libp2pNet, error) {
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, err
	}

	n := &Libp2pNet{h: h, ps: ps, log: cfg.Logger}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil && cfg.Logger != nil {
			cfg.Logger.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	if err := n.joinTopics(); err != nil {
		return nil, err
	}

	go n.readProposals(ctx)
	go n.readVotes(ctx)
	go n.readQCs(ctx)

	if cfg.Logger != nil {
		cfg.Logger.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	}
	return n, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

func (n *Libp2pNet) joinTopics() error {
	var err error
	if n.tProposal, err = n.ps.Join(topicProposal); err != nil {
		return err
	}
	if n.tVote, err = n.ps.Join(topicVote); err != nil {
		return err
	}
	if n.tQC, err = n.ps.Join(topicQC); err != nil {
		return err
	}
	if n.subProposal, err = n.tProposal.Subscribe(); err != nil {
		return err
	}
	if n.subVote, err = n.tVote.Subscribe(); err != nil {
		return err
	}
	if n.subQC, err = n.tQC.Subscribe(); err != nil {
		return err
	}
	return nil
}

func (n *Libp2pNet) Host() host.Host { return n.h }

// AttachVerifier routes inbound messages through the signature pre-check
// pool before they reach the engine queue.
func (n *Libp2pNet) AttachVerifier(v *consensus.Verifier) {
	n.muH.Lock()
	n.verifier = v
	n.muH.Unlock()
}

// implement consensus.Network

func (n *Libp2pNet) SetHandlers(h consensus.Handlers) {
	n.muH.Lock()
	n.handlers = h
	n.muH.Unlock()
}

func (n *Libp2pNet) BroadcastProposal(ctx context.Context, b consensus.Block) error {
	bb, err := gobEncode(b)
	if err != nil {
		return err
	}
	data, err := gobEncode(ProposalWire{Block: bb})
	if err != nil {
		return err
	}
	return n.tProposal.Publish(ctx, data)
}

func (n *Libp2pNet) BroadcastVote(ctx context.Context, v consensus.Vote) error {
	vb, err := gobEncode(v)
	if err != nil {
		return err
	}
	data, err := gobEncode(VoteWire{Vote: vb})
	if err != nil {
		return err
	}
	return n.tVote.Publish(ctx, data)
}

func (n *Libp2pNet) BroadcastQC(ctx context.Context, qc consensus.QC) error {
	qb, err := gobEncode(qc)
	if err != nil {
		return err
	}
	data, err := gobEncode(QCWire{QC: qb})
	if err != nil {
		return err
	}
	return n.tQC.Publish(ctx, data)
}

// RequestBlock asks every connected peer for the block; first answer wins,
// duplicates are idempotent at admission.
func (n *Libp2pNet) RequestBlock(ctx context.Context, h consensus.Hash) error {
	for _, p := range n.h.Network().Peers() {
		go n.requestFrom(ctx, p, h)
	}
	return nil
}

func (n *Libp2pNet) requestFrom(ctx context.Context, p peer.ID, h consensus.Hash) {
	stream, err := n.h.NewStream(ctx, p, protocolSync)
	if err != nil {
		return
	}
	defer stream.Close()
	if _, err := stream.Write(h[:]); err != nil {
		return
	}
	_ = stream.CloseWrite()

	data, err := io.ReadAll(stream)
	if err != nil || len(data) == 0 {
		return
	}
	var b consensus.Block
	if err := gobDecode(data, &b); err != nil {
		return
	}
	n.muH.RLock()
	hd := n.handlers
	n.muH.RUnlock()
	if hd.OnSyncResponse != nil {
		hd.OnSyncResponse(b)
	}
}

func (n *Libp2pNet) SendBlock(_ context.Context, _ consensus.PeerID, _ consensus.Block) error {
	// Sync answers travel back on the requesting stream, served straight
	// from the store (AttachStore). Nothing to do on the push side.
	return nil
}

type BlockSource interface {
	GetBlock(h consensus.Hash) (consensus.Block, bool)
}

// AttachStore installs the sync stream handler: 32-byte hash in, gob block
// out, silence when unknown. Answers come from the store without a
// round-trip through the engine queue; reads are safe because only the
// engine writes the store.
func (n *Libp2pNet) AttachStore(src BlockSource) {
	n.h.SetStreamHandler(protocolSync, func(s network.Stream) {
		defer s.Close()
		req, err := io.ReadAll(s)
		if err != nil || len(req) != 32 {
			return
		}
		var h consensus.Hash
		copy(h[:], req)
		b, ok := src.GetBlock(h)
		if !ok {
			return // silent per protocol
		}
		data, err := gobEncode(b)
		if err != nil {
			return
		}
		_, _ = s.Write(data)
	})
}

// inbound pumps

func (n *Libp2pNet) readProposals(ctx context.Context) {
	for {
		msg, err := n.subProposal.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.h.ID() {
			continue
		}
		var w ProposalWire
		if err := gobDecode(msg.Data, &w); err != nil {
			continue
		}
		var b consensus.Block
		if err := gobDecode(w.Block, &b); err != nil {
			continue
		}
		n.deliverProposal(b)
	}
}

func (n *Libp2pNet) deliverProposal(b consensus.Block) {
	n.muH.RLock()
	vf, hd := n.verifier, n.handlers
	n.muH.RUnlock()
	if vf != nil {
		vf.SubmitProposal(b)
		return
	}
	if hd.OnProposal != nil {
		hd.OnProposal(b)
	}
}

func (n *Libp2pNet) readVotes(ctx context.Context) {
	for {
		msg, err := n.subVote.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.h.ID() {
			continue
		}
		var w VoteWire
		if err := gobDecode(msg.Data, &w); err != nil {
			continue
		}
		var v consensus.Vote
		if err := gobDecode(w.Vote, &v); err != nil {
			continue
		}
		n.muH.RLock()
		vf, hd := n.verifier, n.handlers
		n.muH.RUnlock()
		if vf != nil {
			vf.SubmitVote(v)
			continue
		}
		if hd.OnVote != nil {
			hd.OnVote(v)
		}
	}
}

func (n *Libp2pNet) readQCs(ctx context.Context) {
	for {
		msg, err := n.subQC.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.h.ID() {
			continue
		}
		var w QCWire
		if err := gobDecode(msg.Data, &w); err != nil {
			continue
		}
		var qc consensus.QC
		if err := gobDecode(w.QC, &qc); err != nil {
			continue
		}
		n.muH.RLock()
		vf, hd := n.verifier, n.handlers
		n.muH.RUnlock()
		if vf != nil {
			vf.SubmitQC(qc)
			continue
		}
		if hd.OnQC != nil {
			hd.OnQC(qc)
		}
	}
}

var _ consensus.Network = (*Libp2pNet)(nil)
