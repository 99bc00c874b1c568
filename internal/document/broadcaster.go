package document

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// EnvelopeKind distinguishes persisted sync payloads from ephemeral
// awareness payloads.
type EnvelopeKind string

const (
	// EnvelopeKindSync carries a binary document update.
	EnvelopeKindSync EnvelopeKind = "sync"
	// EnvelopeKindAwareness carries ephemeral presence state, never persisted.
	EnvelopeKindAwareness EnvelopeKind = "awareness"
)

// Envelope is one broadcastable message scoped to a document.
type Envelope struct {
	DocumentID string
	Kind       EnvelopeKind
	Payload    []byte
	Origin     string
}

// Broadcaster fans envelopes out to subscribers interested in a document.
// Delivery is at-least-once and unordered across peers; consumers must
// tolerate duplicates, which the commutative update semantics make
// harmless.
type Broadcaster interface {
	Publish(envelope Envelope)
	Subscribe(ctx context.Context, documentID string) (<-chan Envelope, func())
}

// LocalBroadcaster delivers envelopes to in-process subscribers keyed by
// document id. Slow subscribers drop messages rather than blocking the
// publisher; sync state vectors recover any gap.
type LocalBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*localSubscriber
	nextID      int64
	bufferSize  int
}

type localSubscriber struct {
	id     int64
	stream chan Envelope
}

// NewLocalBroadcaster constructs an in-process broadcaster.
func NewLocalBroadcaster() *LocalBroadcaster {
	return &LocalBroadcaster{
		subscribers: make(map[string]map[int64]*localSubscriber),
		bufferSize:  32,
	}
}

// Subscribe registers interest in a document's envelopes until the
// context ends or the cleanup function runs.
func (b *LocalBroadcaster) Subscribe(ctx context.Context, documentID string) (<-chan Envelope, func()) {
	if documentID == "" {
		ch := make(chan Envelope)
		close(ch)
		return ch, func() {}
	}
	subscriber := &localSubscriber{
		id:     b.nextSequence(),
		stream: make(chan Envelope, b.bufferSize),
	}
	b.registerSubscriber(documentID, subscriber)
	cleanup := func() {
		b.unregisterSubscriber(documentID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish fans the envelope out to every subscriber of its document.
func (b *LocalBroadcaster) Publish(envelope Envelope) {
	if envelope.DocumentID == "" || envelope.Kind == "" {
		return
	}
	b.mu.RLock()
	subscribers := b.subscribers[envelope.DocumentID]
	if len(subscribers) == 0 {
		b.mu.RUnlock()
		return
	}
	copies := make([]*localSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	b.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- envelope:
		default:
		}
	}
}

func (b *LocalBroadcaster) nextSequence() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return b.nextID
}

func (b *LocalBroadcaster) registerSubscriber(documentID string, subscriber *localSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[documentID]; !ok {
		b.subscribers[documentID] = make(map[int64]*localSubscriber)
	}
	b.subscribers[documentID][subscriber.id] = subscriber
}

func (b *LocalBroadcaster) unregisterSubscriber(documentID string, subscriberID int64) {
	b.mu.Lock()
	subscribers := b.subscribers[documentID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(b.subscribers, documentID)
		}
	}
	b.mu.Unlock()
}

const (
	relayDialTimeout   = 5 * time.Second
	relayRetryInterval = 10 * time.Second
	relayQueueSize     = 64
)

// relayFrame is the wire form of an envelope on the peer channel.
type relayFrame struct {
	DocumentID string `json:"document_id"`
	Kind       string `json:"kind"`
	PayloadB64 string `json:"payload_b64"`
	Origin     string `json:"origin"`
}

// RelayApplyFunc applies an inbound cross-process update to the local
// live replica when one is active.
type RelayApplyFunc func(ctx context.Context, documentID string, payload []byte) error

// RelayCredentialsFunc mints a bearer token presented on each peer dial.
// Minting per dial keeps long-lived relay loops ahead of token expiry.
type RelayCredentialsFunc func(ctx context.Context) (string, error)

// RelayBroadcasterConfig configures the cross-process broadcaster.
type RelayBroadcasterConfig struct {
	Local       *LocalBroadcaster
	Peers       []string
	Apply       RelayApplyFunc
	Credentials RelayCredentialsFunc
	Logger      *zap.Logger
}

// RelayBroadcaster decorates a local broadcaster with best-effort
// publication to peer processes over persistent websocket connections.
// When a peer channel is unavailable the broadcaster degrades to
// single-process delivery and keeps retrying in the background.
type RelayBroadcaster struct {
	local       *LocalBroadcaster
	peers       []*relayPeer
	apply       RelayApplyFunc
	credentials RelayCredentialsFunc
	logger      *zap.Logger
}

type relayPeer struct {
	url   string
	queue chan relayFrame
}

// NewRelayBroadcaster constructs the relay decorator.
func NewRelayBroadcaster(cfg RelayBroadcasterConfig) *RelayBroadcaster {
	local := cfg.Local
	if local == nil {
		local = NewLocalBroadcaster()
	}
	peers := make([]*relayPeer, 0, len(cfg.Peers))
	for _, peerURL := range cfg.Peers {
		if peerURL == "" {
			continue
		}
		peers = append(peers, &relayPeer{
			url:   peerURL,
			queue: make(chan relayFrame, relayQueueSize),
		})
	}
	return &RelayBroadcaster{
		local:       local,
		peers:       peers,
		apply:       cfg.Apply,
		credentials: cfg.Credentials,
		logger:      logWith(cfg.Logger),
	}
}

// Subscribe delegates to the local broadcaster.
func (b *RelayBroadcaster) Subscribe(ctx context.Context, documentID string) (<-chan Envelope, func()) {
	return b.local.Subscribe(ctx, documentID)
}

// Publish delivers locally and enqueues sync envelopes for every peer.
// A full peer queue drops the frame; replay and sync state vectors make
// the loss recoverable.
func (b *RelayBroadcaster) Publish(envelope Envelope) {
	b.local.Publish(envelope)
	if envelope.Kind != EnvelopeKindSync {
		return
	}
	frame := relayFrame{
		DocumentID: envelope.DocumentID,
		Kind:       string(envelope.Kind),
		PayloadB64: base64.StdEncoding.EncodeToString(envelope.Payload),
		Origin:     envelope.Origin,
	}
	for _, peer := range b.peers {
		select {
		case peer.queue <- frame:
		default:
			b.logger.Warn("relay queue full, dropping frame", zap.String("peer", peer.url))
		}
	}
}

// Run maintains the outbound peer connections until the context ends.
func (b *RelayBroadcaster) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, peer := range b.peers {
		wg.Add(1)
		go func(peer *relayPeer) {
			defer wg.Done()
			b.runPeer(ctx, peer)
		}(peer)
	}
	wg.Wait()
}

func (b *RelayBroadcaster) runPeer(ctx context.Context, peer *relayPeer) {
	for {
		if ctx.Err() != nil {
			return
		}
		header := http.Header{}
		if b.credentials != nil {
			token, err := b.credentials(ctx)
			if err != nil {
				b.logger.Warn("peer credential mint failed",
					zap.String("peer", peer.url),
					zap.Error(err))
				select {
				case <-time.After(relayRetryInterval):
					continue
				case <-ctx.Done():
					return
				}
			}
			header.Set("Authorization", "Bearer "+token)
		}
		dialer := websocket.Dialer{HandshakeTimeout: relayDialTimeout}
		conn, _, err := dialer.DialContext(ctx, peer.url, header)
		if err != nil {
			b.logger.Warn("peer unavailable, single-process delivery only",
				zap.String("peer", peer.url),
				zap.Error(err))
			select {
			case <-time.After(relayRetryInterval):
				continue
			case <-ctx.Done():
				return
			}
		}
		b.logger.Info("peer channel established", zap.String("peer", peer.url))
		b.pumpPeer(ctx, peer, conn)
	}
}

func (b *RelayBroadcaster) pumpPeer(ctx context.Context, peer *relayPeer, conn *websocket.Conn) {
	defer conn.Close()
	for {
		select {
		case frame := <-peer.queue:
			encoded, err := json.Marshal(frame)
			if err != nil {
				b.logger.Error("relay frame encode failed", zap.Error(err))
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, encoded); err != nil {
				b.logger.Warn("peer write failed, reconnecting",
					zap.String("peer", peer.url),
					zap.Error(err))
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// HandleInbound consumes relay frames from a peer connection, applying
// each update to the local replica and re-broadcasting it locally.
func (b *RelayBroadcaster) HandleInbound(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()
	for {
		if ctx.Err() != nil {
			return
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame relayFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			b.logger.Warn("relay frame decode failed", zap.Error(err))
			continue
		}
		payload, err := base64.StdEncoding.DecodeString(frame.PayloadB64)
		if err != nil || frame.DocumentID == "" {
			b.logger.Warn("relay frame payload invalid", zap.String(fieldDocumentID, frame.DocumentID))
			continue
		}
		if b.apply != nil {
			if err := b.apply(ctx, frame.DocumentID, payload); err != nil {
				b.logger.Warn("relay apply failed",
					zap.String(fieldDocumentID, frame.DocumentID),
					zap.Error(err))
				continue
			}
		}
		b.local.Publish(Envelope{
			DocumentID: frame.DocumentID,
			Kind:       EnvelopeKind(frame.Kind),
			Payload:    payload,
			Origin:     frame.Origin,
		})
	}
}
