// Package channel implements the SecureChannel engine: Open, Renew,
// Close, the symmetric message path, sequence number discipline and token
// rollover with a grace period. The state machine keeps a monotonic
// sequence counter and a single terminal Closed state reached from any
// failure, extended with the two-tokens-during-renewal grace window. The
// socket itself stays outside: channel state management never touches a
// net.Conn directly.
package channel

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fenwick-automation/opcuacore/chunk"
	"github.com/fenwick-automation/opcuacore/crypto"
	"github.com/fenwick-automation/opcuacore/pki"
	"github.com/fenwick-automation/opcuacore/status"
)

// State is one of the channel lifecycle states.
type State int

const (
	Fresh State = iota
	AckSent
	Open
	Renewed
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "Fresh"
	case AckSent:
		return "AckSent"
	case Open:
		return "Open"
	case Renewed:
		return "Renewed"
	case Closing:
		return "Closing"
	case Closed:
		return "Closed"
	default:
		return "unknown"
	}
}

// SecurityMode mirrors the OPC UA MessageSecurityMode enumeration.
type SecurityMode uint32

const (
	ModeNone SecurityMode = 1 + iota
	ModeSign
	ModeSignAndEncrypt
)

// Token is one symmetric key generation within a channel.
type Token struct {
	ID        uint32
	ClientSignKey, ClientEncryptKey, ClientIV []byte
	ServerSignKey, ServerEncryptKey, ServerIV []byte
	CreatedAt time.Time
	Lifetime  time.Duration
}

func (t *Token) expired(now time.Time) bool {
	return now.Sub(t.CreatedAt) > t.Lifetime
}

// graceElapsed reports whether 25% of the token's lifetime has passed since
// creation.
func (t *Token) graceElapsed(now time.Time) bool {
	return now.Sub(t.CreatedAt) > t.Lifetime/4
}

// seqWrap is the sequence-number wraparound threshold, 1024 below the uint32
// maximum. Sequence numbers increase strictly; once the last accepted number
// has reached seqWrap, sequenceOK accepts only a smaller number, taken as the
// wrapped-around successor.
const seqWrap = ^uint32(0) - 1024

// Channel is one SecureChannel instance.
type Channel struct {
	mu sync.Mutex

	id    uint32
	state State

	mode   SecurityMode
	policy crypto.PolicyURI
	adapter *crypto.Adapter

	localCertDER []byte
	localKeyThumb [20]byte
	peerCertDER  []byte

	current  *Token
	previous *Token
	currentAcceptedOnce bool // whether the current token has ever verified a message

	lastAcceptedSeq uint32
	seqOut          uint32

	reassemblers map[uint32]*chunk.Reassembler
	limits       chunk.Limits

	lastActivity time.Time
	log          *zap.Logger
}

// Config configures a new Channel.
type Config struct {
	Policy       crypto.PolicyURI
	Mode         SecurityMode
	LocalCertDER []byte
	Limits       chunk.Limits
	Logger       *zap.Logger
}

var nextChannelID uint32 // monotonic, skipping 0; package-level since channel ids are process-global

func allocChannelID() uint32 {
	for {
		id := atomic.AddUint32(&nextChannelID, 1)
		if id != 0 {
			return id
		}
	}
}

var nextTokenID uint32 // monotonic, skipping 0

func allocTokenID() uint32 {
	for {
		id := atomic.AddUint32(&nextTokenID, 1)
		if id != 0 {
			return id
		}
	}
}

// New constructs a Channel in state Fresh.
func New(cfg Config) (*Channel, error) {
	var adapter *crypto.Adapter
	if cfg.Policy != "" {
		a, err := crypto.NewAdapter(cfg.Policy)
		if err != nil {
			return nil, err
		}
		adapter = a
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Channel{
		state:        Fresh,
		mode:         cfg.Mode,
		policy:       cfg.Policy,
		adapter:      adapter,
		localCertDER: cfg.LocalCertDER,
		limits:       cfg.Limits,
		reassemblers: make(map[uint32]*chunk.Reassembler),
		lastActivity: time.Now(),
		log:          log,
	}, nil
}

// AcceptHello transitions Fresh -> AckSent on the HEL/ACK handshake.
func (c *Channel) AcceptHello() status.Code {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Fresh {
		return status.BadSecurityChecksFailed
	}
	c.state = AckSent
	return status.Good
}

// OpenParams is the subset of an OpenSecureChannelRequest this
// package needs, decoupled from package service to avoid an import cycle
// (service depends on nothing here, but keeping channel import-free of
// service keeps the dependency graph a DAG rooted at the transport layer).
type OpenParams struct {
	Renew             bool
	ClientNonce       []byte
	RequestedLifetime time.Duration
	PeerCertDER       []byte
}

// OpenResult carries what the caller needs to build an
// OpenSecureChannelResponse.
type OpenResult struct {
	ChannelID       uint32
	TokenID         uint32
	RevisedLifetime time.Duration
	ServerNonce     []byte
}

// Open processes an OPN asymmetric chunk's decoded request:
// validates the peer certificate via validator (skipped when policy is
// None), derives symmetric keys from the nonce pair, and issues a fresh
// channel id and token. The caller is responsible for the asymmetric
// decrypt/verify step before calling Open — that belongs to the wire-level
// OPN handling in the transport adapter, not to channel state management.
func (c *Channel) Open(p OpenParams, validator *pki.Validator) (OpenResult, status.Code) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode != ModeNone {
		if validator == nil {
			return OpenResult{}, status.BadSecurityChecksFailed
		}
		if code := validator.Validate(p.PeerCertDER, nil); code != status.Good {
			return OpenResult{}, code
		}
	}
	c.peerCertDER = p.PeerCertDER

	if !p.Renew {
		c.id = allocChannelID()
	}
	if c.id == 0 {
		c.id = allocChannelID()
	}

	tok := &Token{ID: allocTokenID(), CreatedAt: time.Now(), Lifetime: p.RequestedLifetime}
	var serverNonce []byte
	if c.adapter != nil {
		nonce, err := c.adapter.GenerateNonce()
		if err != nil {
			return OpenResult{}, status.BadInternalError
		}
		serverNonce = nonce

		cSign, cEnc, cIV, _ := c.adapter.DeriveKeys(p.ClientNonce, serverNonce)
		sSign, sEnc, sIV, _ := c.adapter.DeriveKeys(serverNonce, p.ClientNonce)
		tok.ClientSignKey, tok.ClientEncryptKey, tok.ClientIV = cSign, cEnc, cIV
		tok.ServerSignKey, tok.ServerEncryptKey, tok.ServerIV = sSign, sEnc, sIV
	}

	if p.Renew && c.current != nil {
		c.previous = c.current
		c.currentAcceptedOnce = false
	}
	c.current = tok
	c.state = Open
	c.lastActivity = time.Now()

	return OpenResult{
		ChannelID:       c.id,
		TokenID:         tok.ID,
		RevisedLifetime: p.RequestedLifetime,
		ServerNonce:     serverNonce,
	}, status.Good
}

// Renew is a thin wrapper over Open with Renew set: the same message, but
// it reuses the channel id and issues a new token.
func (c *Channel) Renew(p OpenParams, validator *pki.Validator) (OpenResult, status.Code) {
	p.Renew = true
	return c.Open(p, validator)
}

// retireStalePrevious drops the previous token once the grace window (25% of
// the previous token's lifetime, counted from the renewal) has elapsed or the
// current token has been used. Must be called with c.mu held.
func (c *Channel) retireStalePrevious(now time.Time) {
	if c.previous == nil {
		return
	}
	if c.currentAcceptedOnce || now.Sub(c.current.CreatedAt) > c.previous.Lifetime/4 {
		c.previous = nil
	}
}

// AcceptSymmetric validates an incoming MSG/CLO chunk's token id and
// sequence number. The caller has already
// split off the token id and sequence number from the decoded security/
// sequence header; signature/decryption of the body is delegated to
// VerifyAndDecrypt once the token is resolved.
func (c *Channel) AcceptSymmetric(tokenID, seqNum uint32) (*Token, status.Code) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Closed || c.state == Closing {
		return nil, status.BadSecureChannelClosed
	}

	now := time.Now()
	c.retireStalePrevious(now)

	var tok *Token
	switch {
	case c.current != nil && c.current.ID == tokenID:
		tok = c.current
	case c.previous != nil && c.previous.ID == tokenID:
		tok = c.previous
	default:
		return nil, status.BadSecureChannelTokenUnknown
	}

	if !c.sequenceOK(seqNum) {
		c.abortLocked()
		return nil, status.BadSecurityChecksFailed
	}
	c.lastAcceptedSeq = seqNum
	c.lastActivity = now

	if tok == c.current {
		c.currentAcceptedOnce = true
		c.previous = nil // first use of the new token retires the previous one immediately
	}

	return tok, status.Good
}

// sequenceOK reports whether seqNum strictly follows lastAcceptedSeq modulo
// the defined wrap. Must be called with c.mu held.
func (c *Channel) sequenceOK(seqNum uint32) bool {
	if c.lastAcceptedSeq == 0 {
		return true // first message on the channel accepts any starting value
	}
	if c.lastAcceptedSeq >= seqWrap {
		return seqNum < c.lastAcceptedSeq // wrapped around back toward 1
	}
	return seqNum > c.lastAcceptedSeq
}

// NextOutboundSequence returns the next outgoing sequence number.
func (c *Channel) NextOutboundSequence() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seqOut++
	if c.seqOut == 0 {
		c.seqOut = 1
	}
	return c.seqOut
}

// abortLocked transitions to Closed; caller must hold c.mu.
func (c *Channel) abortLocked() {
	c.state = Closed
	c.reassemblers = make(map[uint32]*chunk.Reassembler)
}

// Abort fails the channel: bad MAC, decryption failure, or sequence
// violation.
func (c *Channel) Abort(reason status.Code) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.Warn("channel aborted", zap.Uint32("channel_id", c.id), zap.String("reason", reason.String()))
	c.abortLocked()
}

// Close moves the channel straight to Closed from any state.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Closed
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Policy returns the channel's negotiated security policy URI.
func (c *Channel) Policy() crypto.PolicyURI {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy
}

// Mode returns the channel's message security mode.
func (c *Channel) Mode() SecurityMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// PeerCertificate returns the DER certificate the peer presented at Open,
// nil for policy None.
func (c *Channel) PeerCertificate() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerCertDER
}

// ID returns the channel id (0 before Open).
func (c *Channel) ID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// ReassemblerFor returns (creating if needed) the Reassembler tracking
// continuation chunks for requestID.
func (c *Channel) ReassemblerFor(requestID uint32) *chunk.Reassembler {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.reassemblers[requestID]
	if !ok {
		r = chunk.NewReassembler(c.limits)
		c.reassemblers[requestID] = r
	}
	return r
}

// DropReassembler discards buffered chunk state for requestID, used both on
// an Abort chunk and when a request completes.
func (c *Channel) DropReassembler(requestID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.reassemblers, requestID)
}

// CheckIdle reports BadSecureChannelClosed-worthy inactivity: the caller's
// timer wheel calls this periodically and closes the channel itself when
// it returns true.
func (c *Channel) CheckIdle(now time.Time, timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closed || c.state == Closing {
		return false
	}
	return now.Sub(c.lastActivity) > timeout
}

// SignAndEncrypt signs and optionally encrypts an outgoing symmetric body
// using the current token's server-direction keys.
func (c *Channel) SignAndEncrypt(body []byte) ([]byte, error) {
	c.mu.Lock()
	tok := c.current
	adapter := c.adapter
	mode := c.mode
	c.mu.Unlock()

	if adapter == nil || mode == ModeNone || tok == nil {
		return body, nil
	}
	sig := adapter.SignSymmetric(tok.ServerSignKey, body)
	signed := append(append([]byte{}, body...), sig...)
	if mode == ModeSignAndEncrypt {
		return adapter.EncryptSymmetric(tok.ServerEncryptKey, tok.ServerIV, signed)
	}
	return signed, nil
}

// VerifyAndDecrypt checks the HMAC and decrypts an incoming symmetric body
// using tok's client-direction keys.
func (c *Channel) VerifyAndDecrypt(tok *Token, body []byte) ([]byte, status.Code) {
	c.mu.Lock()
	adapter := c.adapter
	mode := c.mode
	c.mu.Unlock()

	if adapter == nil || mode == ModeNone {
		return body, status.Good
	}
	plain := body
	if mode == ModeSignAndEncrypt {
		p, err := adapter.DecryptSymmetric(tok.ClientEncryptKey, tok.ClientIV, body)
		if err != nil {
			return nil, status.BadSecurityChecksFailed
		}
		plain = p
	}
	sigLen := adapter.Policy().SymSigLen
	if len(plain) < sigLen {
		return nil, status.BadSecurityChecksFailed
	}
	payload, sig := plain[:len(plain)-sigLen], plain[len(plain)-sigLen:]
	if !adapter.VerifySymmetric(tok.ClientSignKey, payload, sig) {
		return nil, status.BadSecurityChecksFailed
	}
	return payload, status.Good
}
