// Package p2p wraps libp2p + go-libp2p-pubsub into the gossip transport
// the subinode wire messages travel over: one pubsub topic per opcode,
// plus a direct stream path for PoSe cross-verification requests that
// need a point-to-point reply. The topic-join/publish/subscribe shape
// mirrors a conventional libp2p-pubsub client; the kademlia DHT
// discovery half is dropped in favor of the static-peer list in
// P2PConfig.StaticPeers, since this network doesn't run a public DHT.
package p2p

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/SubiPlatform/SubiCore/errors"
	"github.com/ordishs/go-utils"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/pnet"
	"github.com/multiformats/go-multiaddr"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	crypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/ordishs/gocore"
)

type P2PNode struct {
	config         P2PConfig
	host           host.Host
	pubSub         *pubsub.PubSub
	topics         map[string]*pubsub.Topic
	logger         utils.Logger
	protocolID     string
	handlerByTopic map[string]Handler
	startTime      time.Time
}

// Handler processes one gossip message received on a topic.
type Handler func(ctx context.Context, msg []byte, from string)

type P2PConfig struct {
	ProcessName string
	IP          string
	Port        int
	PrivateKey  string
	SharedKey   string
	UsePrivNet  bool
	StaticPeers []string
}

func NewP2PNode(logger utils.Logger, config P2PConfig) (*P2PNode, error) {
	logger.Infof("[P2PNode] creating node")

	var (
		pk  *crypto.PrivKey
		err error
	)

	if config.PrivateKey == "" {
		privateKeyFilename := fmt.Sprintf("%s.%s.p2p.private_key", config.ProcessName, gocore.Config().GetContext())

		pk, err = readPrivateKey(privateKeyFilename)
		if err != nil {
			pk, err = generatePrivateKey(privateKeyFilename)
			if err != nil {
				return nil, errors.New(errors.ERR_CONFIGURATION, "error generating p2p private key", err)
			}
		}
	} else {
		pk, err = decodeHexEd25519PrivateKey(config.PrivateKey)
		if err != nil {
			return nil, errors.New(errors.ERR_INVALID_ARGUMENT, "error decoding p2p private key", err)
		}
	}

	var h host.Host

	if config.UsePrivNet {
		s := ""
		s += fmt.Sprintln("/key/swarm/psk/1.0.0/")
		s += fmt.Sprintln("/base16/")
		s += config.SharedKey

		psk, err := pnet.DecodeV1PSK(bytes.NewBuffer([]byte(s)))
		if err != nil {
			return nil, errors.New(errors.ERR_INVALID_ARGUMENT, "error decoding p2p shared key", err)
		}

		h, err = libp2p.New(
			libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/%s/tcp/%d", config.IP, config.Port)),
			libp2p.Identity(*pk),
			libp2p.PrivateNetwork(psk),
		)
		if err != nil {
			return nil, errors.New(errors.ERR_SERVICE_ERROR, "error creating private libp2p network", err)
		}
	} else {
		h, err = libp2p.New(
			libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/%s/tcp/%d", config.IP, config.Port)),
			libp2p.Identity(*pk),
		)
		if err != nil {
			return nil, errors.New(errors.ERR_SERVICE_ERROR, "error creating libp2p host", err)
		}
	}

	logger.Infof("[P2PNode] peer ID: %s", h.ID().String())

	for _, addr := range h.Addrs() {
		logger.Infof("[P2PNode]   %s/p2p/%s", addr, h.ID().String())
	}

	return &P2PNode{
		config:         config,
		logger:         logger,
		host:           h,
		protocolID:     "subinode/1.0.0",
		handlerByTopic: make(map[string]Handler),
		startTime:      time.Now(),
	}, nil
}

// Start joins one gossipsub topic per name in topicNames (one per wire
// opcode) and begins the static-peer connection loop.
func (s *P2PNode) Start(ctx context.Context, topicNames ...string) error {
	s.logger.Infof("[P2PNode] starting")

	if len(s.config.StaticPeers) == 0 {
		s.logger.Infof("[P2PNode] no static peers configured")
	} else {
		go s.maintainStaticPeers(ctx)
	}

	ps, err := pubsub.NewGossipSub(ctx, s.host)
	if err != nil {
		return err
	}

	topics := map[string]*pubsub.Topic{}

	for _, topicName := range topicNames {
		topic, err := ps.Join(topicName)
		if err != nil {
			return err
		}

		topics[topicName] = topic
	}

	s.pubSub = ps
	s.topics = topics

	s.host.SetStreamHandler(protocol.ID(s.protocolID), s.streamHandler)

	return nil
}

func (s *P2PNode) Stop(_ context.Context) error {
	s.logger.Infof("[P2PNode] stopping")
	return s.host.Close()
}

func (s *P2PNode) maintainStaticPeers(ctx context.Context) {
	logged := false

	for {
		select {
		case <-ctx.Done():
			s.logger.Infof("[P2PNode] shutting down")
			return
		default:
			allConnected := s.connectToStaticPeers(ctx, s.config.StaticPeers)
			if allConnected {
				if !logged {
					s.logger.Infof("[P2PNode] all static peers connected")
				}

				logged = true
				time.Sleep(30 * time.Second)
			} else {
				logged = false
				s.logger.Infof("[P2PNode] not all static peers connected")
				time.Sleep(5 * time.Second)
			}
		}
	}
}

func (s *P2PNode) SetTopicHandler(ctx context.Context, topicName string, handler Handler) error {
	if _, ok := s.handlerByTopic[topicName]; ok {
		return errors.New(errors.ERR_SERVICE_ERROR, fmt.Sprintf("handler already exists for topic: %s", topicName))
	}

	if topicName == DirectStreamTopic {
		s.handlerByTopic[topicName] = handler
		return nil
	}

	topic, ok := s.topics[topicName]
	if !ok {
		return errors.New(errors.ERR_NOT_FOUND, fmt.Sprintf("topic not joined: %s", topicName))
	}

	sub, err := topic.Subscribe()
	if err != nil {
		return err
	}

	s.handlerByTopic[topicName] = handler

	go func() {
		for {
			select {
			case <-ctx.Done():
				s.logger.Infof("[P2PNode] handler for %s shutting down", topicName)
				return
			default:
				m, err := sub.Next(ctx)
				if err != nil {
					s.logger.Errorf("[P2PNode] error reading from %s topic: %v", topicName, err)
					continue
				}

				s.logger.Debugf("[P2PNode] topic %s from %s: %d bytes", topicName, m.ReceivedFrom.ShortString(), len(m.Message.Data))
				handler(ctx, m.Data, m.ReceivedFrom.String())
			}
		}
	}()

	return nil
}

func (s *P2PNode) HostID() peer.ID {
	return s.host.ID()
}

func (s *P2PNode) Publish(ctx context.Context, topicName string, msgBytes []byte) error {
	topic, ok := s.topics[topicName]
	if !ok {
		return errors.New(errors.ERR_NOT_FOUND, fmt.Sprintf("topic not joined: %s", topicName))
	}

	if err := topic.Publish(ctx, msgBytes); err != nil {
		return errors.New(errors.ERR_SERVICE_ERROR, "publish error", err)
	}

	return nil
}

// SendToPeer opens a direct stream to pid, used for the PoSe verify
// request/response exchange rather than a broadcast.
func (s *P2PNode) SendToPeer(ctx context.Context, pid peer.ID, msg []byte) (err error) {
	h2pi := s.host.Peerstore().PeerInfo(pid)

	if err = s.host.Connect(ctx, h2pi); err != nil {
		s.logger.Errorf("[P2PNode] failed to connect to %s: %+v", pid, err)
		return err
	}

	var st network.Stream

	st, err = s.host.NewStream(ctx, pid, protocol.ID(s.protocolID))
	if err != nil {
		return err
	}

	defer func() {
		if cerr := st.Close(); cerr != nil {
			s.logger.Errorf("[P2PNode] error closing stream: %s", cerr)
		}
	}()

	_, err = st.Write(msg)

	return err
}

func (s *P2PNode) connectToStaticPeers(ctx context.Context, staticPeers []string) bool {
	remaining := len(staticPeers)

	for _, peerAddr := range staticPeers {
		peerInfo, err := peer.AddrInfoFromP2pAddr(multiaddr.StringCast(peerAddr))
		if err != nil {
			s.logger.Errorf("[P2PNode] bad static peer addr %s: %v", peerAddr, err)
			continue
		}

		if s.host.Network().Connectedness(peerInfo.ID) == network.Connected {
			remaining--
			continue
		}

		if err := s.host.Connect(ctx, *peerInfo); err != nil {
			s.logger.Debugf("[P2PNode] failed to connect to static peer %s: %v", peerAddr, err)
		} else {
			remaining--
			s.logger.Infof("[P2PNode] connected to static peer: %s", peerAddr)
		}
	}

	return remaining == 0
}

func (s *P2PNode) streamHandler(ns network.Stream) {
	buf, err := io.ReadAll(ns)
	if err != nil {
		_ = ns.Reset()
		s.logger.Errorf("[P2PNode] failed to read stream: %+v", err)

		return
	}

	_ = ns.Close()

	if handler, ok := s.handlerByTopic[DirectStreamTopic]; ok && len(buf) > 0 {
		handler(context.Background(), buf, ns.Conn().RemotePeer().String())
	}
}

// DirectStreamTopic is the pseudo-topic name SetTopicHandler accepts to
// register the handler for direct (non-gossip) stream messages, e.g.
// PoSe verify replies. It never joins an actual pubsub topic.
const DirectStreamTopic = "__direct_stream__"

func generatePrivateKey(privateKeyFilename string) (*crypto.PrivKey, error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}

	privBytes, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}

	//nolint:gosec // key file permission bits matched to teacher's original
	if err := os.WriteFile(privateKeyFilename, privBytes, 0o600); err != nil {
		return nil, err
	}

	return &priv, nil
}

func readPrivateKey(privateKeyFilename string) (*crypto.PrivKey, error) {
	privBytes, err := os.ReadFile(privateKeyFilename)
	if err != nil {
		return nil, err
	}

	priv, err := crypto.UnmarshalPrivateKey(privBytes)
	if err != nil {
		return nil, err
	}

	return &priv, nil
}

func decodeHexEd25519PrivateKey(hexEncodedPrivateKey string) (*crypto.PrivKey, error) {
	privKeyBytes, err := hex.DecodeString(hexEncodedPrivateKey)
	if err != nil {
		return nil, err
	}

	privKey, err := crypto.UnmarshalEd25519PrivateKey(privKeyBytes)
	if err != nil {
		return nil, err
	}

	return &privKey, nil
}

