// Package rendezvous implements Publication & Rendezvous (C6):
// distributing a request to nodes and brokering short-lived,
// ciphertext-only P2P relay sessions between a requester and a data
// supplier.
//
// Publication dispatch goes through the Publisher interface, and the
// rendezvous token follows core/pkg/crypto/signer.go's HMAC/Ed25519
// signer shape. The Publisher interface resolves the spec's open
// question about pub/sub delivery semantics (SPEC_FULL.md §4.6):
// fire-and-forget publish with acks recorded by the implementation; a
// failed Publish is returned to the caller and not retried here.
package rendezvous

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// Mode is the dispatch strategy for publication.
type Mode string

const (
	ModeBroadcast  Mode = "BROADCAST"
	ModeTopicBased Mode = "TOPIC_BASED"
)

// PublicationPayload is the sanitized projection of a Request dispatched
// to nodes (spec.md §3).
type PublicationPayload struct {
	RequestID string
	BuyerID   string
	Purpose   string
	Scope     map[string]any
	Criteria  map[string]any
	Price     string
	Cap       int
	Start     time.Time
	End       time.Time
}

// Publisher is the pub/sub dispatch contract every publication mode
// goes through (SPEC_FULL.md §4.6). Delivery is at-least-once and
// fire-and-forget from the coordinator's side: targeted is an estimate,
// and the coordinator emits REQUEST_MATCHED immediately rather than
// waiting on Ack — retrying the underlying transport is the
// implementation's job, not the marketplace core's (spec.md §7: "no
// hidden retries inside the core").
type Publisher interface {
	// Publish dispatches a payload to nodes matching mode+routingKey and
	// returns an opaque dispatch id (for correlating later Acks) plus the
	// number of nodes it was handed to for delivery — not necessarily yet
	// acknowledged. An error is returned only on a transport failure,
	// never on "zero nodes targeted", which is a valid outcome.
	Publish(ctx context.Context, mode Mode, routingKey string, payload PublicationPayload) (dispatchID string, targeted int, err error)
	// Ack is called by node-facing infrastructure outside this repo when
	// a node acknowledges receipt; the coordinator never blocks on it.
	Ack(ctx context.Context, dispatchID string, nodeID string) error
}

const broadcastTopic = "yachaq:publications:broadcast"

// TopicFor derives a topic-based routing key from scope: coarse geo
// bucket / domain tags.
func TopicFor(scope map[string]any) string {
	var tags []string
	for key := range scope {
		if strings.HasPrefix(key, "domain.") || key == "geo_bucket" {
			tags = append(tags, key)
		}
	}
	if len(tags) == 0 {
		return broadcastTopic
	}
	return "yachaq:publications:topic:" + strings.Join(tags, "+")
}

// Publish dispatches a publication payload according to mode, grounded
// on the spec's BROADCAST / TOPIC_BASED split (spec.md §4.6).
func Publish(ctx context.Context, publisher Publisher, mode Mode, payload PublicationPayload) (dispatchID string, targeted int, err error) {
	routingKey := broadcastTopic
	if mode == ModeTopicBased {
		routingKey = TopicFor(payload.Scope)
	}
	return publisher.Publish(ctx, mode, routingKey, payload)
}

// InMemoryPublisher is a process-local Publisher for tests and
// single-instance deployments: a simple topic → subscriber-count map.
type InMemoryPublisher struct {
	mu          sync.Mutex
	subscribers map[string]int
	delivered   []struct {
		Topic   string
		Payload PublicationPayload
	}
	acked map[string]map[string]bool
	seq   int
}

// NewInMemoryPublisher returns a publisher with no subscribers; tests
// register per-topic counts with SetSubscribers.
func NewInMemoryPublisher() *InMemoryPublisher {
	return &InMemoryPublisher{subscribers: make(map[string]int), acked: make(map[string]map[string]bool)}
}

func (p *InMemoryPublisher) SetSubscribers(topic string, count int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers[topic] = count
}

func (p *InMemoryPublisher) Publish(ctx context.Context, mode Mode, routingKey string, payload PublicationPayload) (string, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	dispatchID := fmt.Sprintf("dispatch-%d", p.seq)
	p.delivered = append(p.delivered, struct {
		Topic   string
		Payload PublicationPayload
	}{routingKey, payload})
	p.acked[dispatchID] = make(map[string]bool)
	return dispatchID, p.subscribers[routingKey], nil
}

func (p *InMemoryPublisher) Ack(ctx context.Context, dispatchID string, nodeID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	acks, ok := p.acked[dispatchID]
	if !ok {
		return fmt.Errorf("rendezvous: unknown dispatch id %s", dispatchID)
	}
	acks[nodeID] = true
	return nil
}

// Session is an ephemeral rendezvous channel between a requester and a
// DS's node, unlinkable to either peer's id.
type Session struct {
	ID                    string
	DSEphemeralID         string
	RequesterEphemeralID  string
	ExpiresAt             time.Time
	Status                SessionStatus
	RelayURL              string
	ICEServers            []string
}

type SessionStatus string

const (
	SessionPending   SessionStatus = "PENDING"
	SessionConnected SessionStatus = "CONNECTED"
	SessionClosed    SessionStatus = "CLOSED"
)

const maxSessionTTL = 15 * time.Minute

// Token is the signed, compact session credential returned from
// CreateSession.
type Token struct {
	SessionID string
	ExpiresAt time.Time
	Signature string
}

// String renders the compact token form: "<session_id>.<expiry_unix>.<signature>".
func (t Token) String() string {
	return fmt.Sprintf("%s.%d.%s", t.SessionID, t.ExpiresAt.Unix(), t.Signature)
}

// Broker owns rendezvous sessions and relay messages. All state is
// in-memory and ephemeral: nothing here outlives its TTL, and closed
// sessions are purged immediately (spec.md §4.6 "Ephemerality").
type Broker struct {
	mu       sync.Mutex
	sessions map[string]*Session
	messages map[string]*relayMessage

	signKey []byte
	clock   func() time.Time
}

type relayMessage struct {
	id          string
	sessionID   string
	senderEphemeralID string
	ciphertext  []byte
	expiresAt   time.Time
}

// NewBroker creates a rendezvous broker with its own random signing key
// for tokens (process-scoped, read-only after construction — spec.md §9).
func NewBroker() (*Broker, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("rendezvous: generate signing key: %w", err)
	}
	return &Broker{
		sessions: make(map[string]*Session),
		messages: make(map[string]*relayMessage),
		signKey:  key,
		clock:    time.Now,
	}, nil
}

func randomSessionID() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("rendezvous: generate session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// sign binds a signature to the session id and expiry at second
// precision: tokens encode expiry as a Unix-seconds string, so signing
// must use the same truncation or verification would never match.
func (b *Broker) sign(sessionID string, expiresAt time.Time) string {
	h := hmac.New(sha256.New, b.signKey)
	h.Write([]byte(sessionID))
	fmt.Fprintf(h, "%d", expiresAt.Unix())
	return hex.EncodeToString(h.Sum(nil))
}

// CreateSession mints a new, unlinkable session. TTL is clamped to the
// 15-minute cap regardless of what the caller asks for.
func (b *Broker) CreateSession(dsEphemeralID, requesterEphemeralID string, ttl time.Duration, relayURL string, iceServers []string) (Session, Token, error) {
	if ttl <= 0 || ttl > maxSessionTTL {
		ttl = maxSessionTTL
	}

	id, err := randomSessionID()
	if err != nil {
		return Session{}, Token{}, err
	}

	now := b.clock().UTC()
	expiresAt := now.Add(ttl)

	session := &Session{
		ID:                   id,
		DSEphemeralID:        dsEphemeralID,
		RequesterEphemeralID: requesterEphemeralID,
		ExpiresAt:            expiresAt,
		Status:               SessionPending,
		RelayURL:             relayURL,
		ICEServers:           iceServers,
	}

	b.mu.Lock()
	b.sessions[id] = session
	b.mu.Unlock()

	token := Token{SessionID: id, ExpiresAt: expiresAt, Signature: b.sign(id, expiresAt)}
	return *session, token, nil
}

// ValidateTokenResult is ValidateToken's return value.
type ValidateTokenResult struct {
	Valid     bool
	SessionID string
	Status    SessionStatus
}

// ValidateToken verifies a token's signature and expiry and reports the
// session's current status. Malformed, empty or expired tokens are
// rejected without panicking.
func (b *Broker) ValidateToken(raw string) ValidateTokenResult {
	parts := strings.SplitN(raw, ".", 3)
	if len(parts) != 3 {
		return ValidateTokenResult{}
	}
	sessionID, expUnixStr, sig := parts[0], parts[1], parts[2]
	if sessionID == "" || sig == "" {
		return ValidateTokenResult{}
	}

	var expUnix int64
	if _, err := fmt.Sscanf(expUnixStr, "%d", &expUnix); err != nil {
		return ValidateTokenResult{}
	}
	expiresAt := time.Unix(expUnix, 0).UTC()

	wantSig := b.sign(sessionID, expiresAt)
	if !hmac.Equal([]byte(wantSig), []byte(sig)) {
		return ValidateTokenResult{}
	}
	if b.clock().UTC().After(expiresAt) {
		return ValidateTokenResult{}
	}

	b.mu.Lock()
	session, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if !ok {
		return ValidateTokenResult{}
	}

	return ValidateTokenResult{Valid: true, SessionID: sessionID, Status: session.Status}
}

const (
	maxRelayMessageBytes = 64 * 1024
	entropyThreshold     = 7.5 // bits/byte for long payloads; lowered for short ones in looksLikeCiphertext
	maxByteRun           = 8   // longest run of an identical byte before rejection
)

// shannonEntropy computes the estimated per-byte Shannon entropy of a
// byte slice, in bits per byte (max 8.0 for uniform random bytes).
func shannonEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var counts [256]int
	for _, b := range data {
		counts[b]++
	}
	entropy := 0.0
	n := float64(len(data))
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// longestByteRun returns the length of the longest run of identical
// consecutive bytes.
func longestByteRun(data []byte) int {
	longest, current := 0, 0
	var prev byte
	for i, b := range data {
		if i > 0 && b == prev {
			current++
		} else {
			current = 1
		}
		if current > longest {
			longest = current
		}
		prev = b
	}
	return longest
}

// looksLikeCiphertext rejects payloads whose estimated per-byte entropy
// is below a length-adjusted entropyThreshold, or that contain a run of
// maxByteRun or more identical bytes — both signs of structured
// plaintext rather than encrypted or random data (resolves spec.md §9's
// open entropy-contract question; see SPEC_FULL.md §4.6). The histogram
// estimate runs low on short inputs: for n uniform random bytes it falls
// short of 8 bits by about 255/(2n·ln 2), so the threshold is lowered by
// that much (to about 6.78 bits/byte at 256 bytes and 7.32 at 1 KiB).
func looksLikeCiphertext(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	if longestByteRun(data) >= maxByteRun {
		return false
	}
	threshold := entropyThreshold - 255/(2*float64(len(data))*math.Ln2)
	return shannonEntropy(data) >= threshold
}

// RelayResult is Relay's return value.
type RelayResult struct {
	MessageID string
	ExpiresAt time.Time
}

// Relay stores a ciphertext-only message for single, exactly-once
// delivery to the opposite peer. It requires a live (non-expired)
// session and rejects payloads that don't look like ciphertext.
func (b *Broker) Relay(sessionID string, ciphertext []byte, senderEphemeralID string) (RelayResult, error) {
	if len(ciphertext) == 0 || len(ciphertext) > maxRelayMessageBytes {
		return RelayResult{}, fmt.Errorf("rendezvous: ciphertext size out of bounds")
	}
	if !looksLikeCiphertext(ciphertext) {
		return RelayResult{}, fmt.Errorf("rendezvous: payload failed ciphertext-only check")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	session, ok := b.sessions[sessionID]
	if !ok || b.clock().UTC().After(session.ExpiresAt) || session.Status == SessionClosed {
		return RelayResult{}, fmt.Errorf("rendezvous: no live session %s", sessionID)
	}

	id, err := randomSessionID()
	if err != nil {
		return RelayResult{}, err
	}

	msg := &relayMessage{
		id:                id,
		sessionID:         sessionID,
		senderEphemeralID: senderEphemeralID,
		ciphertext:        ciphertext,
		expiresAt:         session.ExpiresAt,
	}
	b.messages[id] = msg

	return RelayResult{MessageID: id, ExpiresAt: msg.expiresAt}, nil
}

// Retrieve fetches and removes a relay message on behalf of the
// requesting ephemeral peer id. A non-participant id, an already
// retrieved message, or an expired message all return (nil, false)
// rather than an error — retrieval is a query, not a command that can
// fail structurally.
func (b *Broker) Retrieve(messageID, requestingEphemeralID string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	msg, ok := b.messages[messageID]
	if !ok {
		return nil, false
	}
	if b.clock().UTC().After(msg.expiresAt) {
		delete(b.messages, messageID)
		return nil, false
	}

	session, ok := b.sessions[msg.sessionID]
	if !ok {
		delete(b.messages, messageID)
		return nil, false
	}
	isParticipant := requestingEphemeralID == session.DSEphemeralID || requestingEphemeralID == session.RequesterEphemeralID
	if !isParticipant || requestingEphemeralID == msg.senderEphemeralID {
		return nil, false
	}

	delete(b.messages, messageID) // exactly-once: gone after first successful retrieval
	return msg.ciphertext, true
}

// CloseSession marks a session closed and purges it and any of its
// undelivered messages immediately.
func (b *Broker) CloseSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if session, ok := b.sessions[sessionID]; ok {
		session.Status = SessionClosed
	}
	delete(b.sessions, sessionID)
	for id, msg := range b.messages {
		if msg.sessionID == sessionID {
			delete(b.messages, id)
		}
	}
}

// Sweep purges every expired session and message. Intended to run on a
// periodic ticker (see pkg/lifecycle).
func (b *Broker) Sweep() {
	now := b.clock().UTC()

	b.mu.Lock()
	defer b.mu.Unlock()

	for id, session := range b.sessions {
		if now.After(session.ExpiresAt) {
			delete(b.sessions, id)
		}
	}
	for id, msg := range b.messages {
		if now.After(msg.expiresAt) {
			delete(b.messages, id)
		}
	}
}
