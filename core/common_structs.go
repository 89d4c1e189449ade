package core

// common_structs.go centralises the struct definitions shared by the
// networking, peer-management and block-propagation code.

import (
	"context"
	"encoding/hex"
	"net"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	host "github.com/libp2p/go-libp2p/core/host"
)

//---------------------------------------------------------------------
// P2P structs
//---------------------------------------------------------------------

type NodeID string

type Peer struct {
	ID      NodeID
	Addr    string
	Latency time.Duration
	Conn    net.Conn
}

type Message struct {
	From  NodeID
	Topic string
	Data  []byte
}

type Config struct {
	ListenAddr     string
	BootstrapPeers []string
	DiscoveryTag   string
}

type Node struct {
	host      host.Host
	pubsub    *pubsub.PubSub
	topics    map[string]*pubsub.Topic
	subs      map[string]*pubsub.Subscription
	topicLock sync.RWMutex
	subLock   sync.RWMutex
	peerLock  sync.RWMutex
	peers     map[NodeID]*Peer
	nat       *NATManager
	ctx       context.Context
	cancel    context.CancelFunc
	cfg       Config
}

//---------------------------------------------------------------------
// Peer management abstraction
//---------------------------------------------------------------------

type PeerInfo struct {
	Address Address `json:"address"`
	RTT     float64 `json:"rtt_ms"`
	Misses  int     `json:"misses"`
	Updated int64   `json:"updated_unix"`
}

type PeerManager interface {
	Peers() []PeerInfo
	Connect(addr string) error
	Disconnect(id NodeID) error
	Sample(n int) []string
	SendAsync(peerID, proto string, code byte, payload []byte) error
	Subscribe(proto string) <-chan InboundMsg
	Unsubscribe(proto string)
}

type InboundMsg struct {
	PeerID  string `json:"peer_id"`
	Code    byte   `json:"code"`
	Payload []byte `json:"payload"`

	Topic string  `json:"topic,omitempty"`
	From  Address `json:"from,omitempty"`
	Ts    int64   `json:"ts"`
}

type NetworkMessage struct {
	Source    Address `json:"source"`
	Target    Address `json:"target"`
	MsgType   string  `json:"type"`
	Content   []byte  `json:"content"`
	Timestamp int64   `json:"timestamp"`
	Topic     string
}

//---------------------------------------------------------------------
// Block & transaction structs
//---------------------------------------------------------------------

// Address represents a 20-byte account identifier.
type Address [20]byte

// Hash represents a 32-byte cryptographic hash.
type Hash [32]byte

func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

type BlockHeader struct {
	Height    uint64
	Timestamp int64
	PrevHash  []byte
	PoWHash   []byte
	Nonce     uint64
	MinerPk   []byte
}

type SubBlockHeader struct {
	Height    uint64
	Timestamp int64
	Validator []byte
	PoHHash   []byte
	Sig       []byte
}

type BlockBody struct{ SubHeaders []SubBlockHeader }

// Block is the orphan-block gossip payload Node.BroadcastOrphanBlock and
// Node.SubscribeOrphanBlocks exchange over the pubsub "orphan-block" topic.
// It carries only transaction hashes: full transaction bodies and the
// mempool/consensus machinery that would produce them live outside this
// module.
type Block struct {
	Header BlockHeader `json:"header"`
	Body   BlockBody   `json:"body"`
	TxIDs  []Hash      `json:"tx_ids"`
}
