package exchange

import (
	"crypto/rand"
	"encoding/binary"
	"sync"

	"github.com/openmatter/transport-core/pkg/fabric"
	"github.com/openmatter/transport-core/pkg/message"
	"github.com/openmatter/transport-core/pkg/securechannel"
	"github.com/openmatter/transport-core/pkg/session"
	"github.com/openmatter/transport-core/pkg/transport"
)

// ProtocolHandler handles messages for a specific protocol.
// Register handlers with Manager.RegisterProtocol().
type ProtocolHandler interface {
	// OnMessage handles a message on an existing exchange.
	// Returns response payload (if any) and error.
	OnMessage(ctx *ExchangeContext, opcode uint8, payload []byte) ([]byte, error)

	// OnUnsolicited handles a new unsolicited message (first message creating an exchange).
	// Returns response payload (if any) and error.
	OnUnsolicited(ctx *ExchangeContext, opcode uint8, payload []byte) ([]byte, error)
}

// GroupKeyResolver resolves an inbound group session ID to the operational
// group key able to authenticate it. Implemented by the group key
// management layer; the manager treats key material as opaque.
type GroupKeyResolver interface {
	// ResolveGroupSession returns the 16-byte operational key and owning
	// fabric for a group session ID, or ok=false when the ID matches no
	// installed group key.
	ResolveGroupSession(groupSessionID uint16) (key []byte, fabricIndex fabric.FabricIndex, ok bool)
}

// ManagerConfig configures the exchange Manager.
type ManagerConfig struct {
	// SessionManager manages session contexts.
	SessionManager *session.Manager

	// TransportManager handles network I/O.
	TransportManager *transport.Manager

	// GroupKeyResolver resolves group session IDs for inbound group
	// messages. Optional; group messages are rejected when nil.
	GroupKeyResolver GroupKeyResolver
}

// Manager coordinates message exchanges and MRP.
// It routes messages between transport/session layers and protocol handlers.
type Manager struct {
	config ManagerConfig

	// exchanges maps {sessionID, exchangeID, role} to exchange context.
	exchanges map[exchangeKey]*ExchangeContext

	// handlers maps protocol ID to handler.
	handlers map[message.ProtocolID]ProtocolHandler

	// ackTable tracks pending ACKs for received reliable messages.
	ackTable *AckTable

	// retransmitTable tracks pending retransmissions.
	retransmitTable *RetransmitTable

	// nextExchangeID is the next exchange ID to allocate (for initiator).
	// Per Spec 4.10.2: First is random, subsequent increment by 1.
	nextExchangeID uint16

	mu sync.RWMutex
}

// NewManager creates a new exchange manager.
func NewManager(config ManagerConfig) *Manager {
	m := &Manager{
		config:          config,
		exchanges:       make(map[exchangeKey]*ExchangeContext),
		handlers:        make(map[message.ProtocolID]ProtocolHandler),
		ackTable:        NewAckTable(),
		retransmitTable: NewRetransmitTable(),
	}

	// Initialize with random exchange ID
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err == nil {
		m.nextExchangeID = binary.LittleEndian.Uint16(buf[:])
	}

	return m
}

// RegisterProtocol registers a handler for a protocol ID.
func (m *Manager) RegisterProtocol(protocolID message.ProtocolID, handler ProtocolHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[protocolID] = handler
}

// NewExchange creates a new exchange as initiator.
// Returns a new ExchangeContext ready for sending the first message.
func (m *Manager) NewExchange(
	sess SessionContext,
	localSessionID uint16,
	peerAddress transport.PeerAddress,
	protocolID message.ProtocolID,
	delegate ExchangeDelegate,
) (*ExchangeContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Allocate exchange ID
	exchangeID := m.nextExchangeID
	m.nextExchangeID++

	key := exchangeKey{
		localSessionID: localSessionID,
		exchangeID:     exchangeID,
		role:           ExchangeRoleInitiator,
	}

	// Check for collision (unlikely but possible after 65536 exchanges)
	if _, exists := m.exchanges[key]; exists {
		return nil, ErrExchangeExists
	}

	// The id is equally unusable if the peer already opened it toward us:
	// one (session, id) pair tracks at most one conversation.
	conflict := key
	conflict.role = ExchangeRoleResponder
	if _, exists := m.exchanges[conflict]; exists {
		return nil, ErrExchangeExists
	}

	if len(m.exchanges) >= MaxExchangeTableSize {
		return nil, ErrNoSpace
	}

	ctx := NewExchangeContext(ExchangeContextConfig{
		ID:             exchangeID,
		Role:           ExchangeRoleInitiator,
		ProtocolID:     protocolID,
		LocalSessionID: localSessionID,
		Session:        sess,
		PeerAddress:    peerAddress,
		Delegate:       delegate,
		Manager:        m,
	})

	m.exchanges[key] = ctx
	return ctx, nil
}

// OnMessageReceived processes an incoming message from transport.
// This is the main entry point for the receive path.
//
// Flow:
//  1. Parse message header, look up session
//  2. Decrypt if secure session
//  3. Process MRP flags (A flag: handle ACK, R flag: schedule ACK)
//  4. Match to existing exchange or create new one
//  5. Dispatch to protocol handler
func (m *Manager) OnMessageReceived(msg *transport.ReceivedMessage) error {
	// Parse message header to get session ID
	var header message.MessageHeader
	_, err := header.Decode(msg.Data)
	if err != nil {
		return ErrInvalidMessage
	}

	// Group messages carry their own decrypt/replay pipeline keyed by the
	// sender rather than a unicast session.
	if header.SessionType == message.SessionTypeGroup {
		return m.handleGroupMessage(msg, &header)
	}

	// Look up session
	var sess SessionContext
	var frame *message.Frame

	if header.SessionID == 0 {
		// Unsecured session (handshake phase)
		// For unsecured, we parse the protocol header directly
		frame, err = message.DecodeUnsecured(msg.Data)
		if err != nil {
			return ErrInvalidMessage
		}

		// Per Spec 4.13.2.1: Look up or create UnsecuredContext by source node ID
		// Source must be present for unsecured messages
		if !header.SourcePresent {
			return ErrInvalidMessage
		}

		sourceNodeID := fabric.NodeID(header.SourceNodeID)
		unsecuredCtx, err := m.config.SessionManager.FindOrCreateUnsecuredContext(sourceNodeID)
		if err != nil {
			return err
		}

		// Check message counter for replay
		if !unsecuredCtx.CheckCounter(header.MessageCounter) {
			return ErrInvalidMessage
		}

		sess = unsecuredCtx
	} else {
		// Secure session - decrypt
		secureCtx := m.config.SessionManager.FindSecureContext(header.SessionID)
		if secureCtx == nil {
			return ErrSessionNotFound
		}
		sess = secureCtx

		frame, err = secureCtx.Decrypt(msg.Data)
		if err != nil {
			return err
		}
	}

	return m.processFrame(frame, msg.PeerAddr, sess)
}

// processFrame handles a decoded frame.
func (m *Manager) processFrame(frame *message.Frame, peerAddr transport.PeerAddress, sess SessionContext) error {
	proto := &frame.Protocol

	// Determine our role: if I flag set, sender is initiator, we are responder
	var ourRole ExchangeRole
	if proto.Initiator {
		ourRole = ExchangeRoleResponder
	} else {
		ourRole = ExchangeRoleInitiator
	}

	// Get local session ID for key
	localSessionID := frame.Header.SessionID

	key := exchangeKey{
		localSessionID: localSessionID,
		exchangeID:     proto.ExchangeID,
		role:           ourRole,
	}

	// Process A flag (received ACK)
	if proto.Acknowledgement {
		m.handleReceivedAck(proto.AckedMessageCounter)
	}

	// Match to existing exchange. Lookup is by (session, id) irrespective
	// of role: a tracked id whose stored role disagrees with the role
	// deduced from the I flag means the peer's direction claim conflicts
	// with existing state. That is a routing error, never grounds to
	// create a second exchange under the same id.
	m.mu.RLock()
	ctx, exists := m.exchanges[key]
	if !exists {
		conflict := key
		conflict.role = key.role.Invert()
		if _, mismatch := m.exchanges[conflict]; mismatch {
			m.mu.RUnlock()
			return ErrNoExchange
		}
	}
	m.mu.RUnlock()

	if !exists {
		// Unsolicited message
		return m.handleUnsolicited(frame, peerAddr, sess, key)
	}

	// Process R flag (need to send ACK)
	if proto.Reliability {
		m.scheduleAck(ctx, frame.Header.MessageCounter)
	}

	// A standalone ACK carries no payload for upper layers; once its MRP
	// effects are applied the frame is fully absorbed here. The same applies
	// when the ack just finalized a closing exchange.
	if isStandaloneAck(proto) {
		return nil
	}

	// Dispatch to exchange
	response, err := ctx.handleMessage(proto, frame.Payload)
	if err != nil {
		return err
	}

	// Send response if any
	if response != nil {
		// Determine if response should be reliable
		// Typically responses are reliable for request-response patterns
		reliable := peerAddr.TransportType == transport.TransportTypeUDP
		return ctx.SendMessage(proto.ProtocolOpcode, response, reliable)
	}

	return nil
}

// handleUnsolicited processes a message that doesn't match an existing exchange.
func (m *Manager) handleUnsolicited(
	frame *message.Frame,
	peerAddr transport.PeerAddress,
	sess SessionContext,
	key exchangeKey,
) error {
	proto := frame.Protocol

	// Per Spec 4.10.5.2:
	// 1. If I flag set + registered protocol → create exchange
	// 2. If R flag set → send standalone ACK, drop
	// 3. Otherwise → drop

	// A stray standalone ACK (e.g. for an exchange the ack itself just
	// finalized) is absorbed without creating a new exchange.
	if isStandaloneAck(&proto) {
		return nil
	}

	if !proto.Initiator {
		// Not from initiator - check if needs ACK
		if proto.Reliability {
			m.sendStandaloneAckForUnsolicited(frame, peerAddr, sess)
		}
		return ErrUnsolicitedNotInitiator
	}

	// Check for registered protocol handler
	m.mu.RLock()
	handler, hasHandler := m.handlers[proto.ProtocolID]
	m.mu.RUnlock()

	if !hasHandler {
		// No handler - send ACK if requested, then drop
		if proto.Reliability {
			m.sendStandaloneAckForUnsolicited(frame, peerAddr, sess)
		}
		return ErrNoHandler
	}

	// Create new exchange as responder
	localSessionID := frame.Header.SessionID

	m.mu.RLock()
	full := len(m.exchanges) >= MaxExchangeTableSize
	m.mu.RUnlock()
	if full {
		if proto.Reliability {
			m.sendStandaloneAckForUnsolicited(frame, peerAddr, sess)
		}
		return ErrNoSpace
	}

	ctx := NewExchangeContext(ExchangeContextConfig{
		ID:             proto.ExchangeID,
		Role:           ExchangeRoleResponder,
		ProtocolID:     proto.ProtocolID,
		LocalSessionID: localSessionID,
		Session:        sess,
		PeerAddress:    peerAddr,
		Manager:        m,
	})

	m.mu.Lock()
	m.exchanges[key] = ctx
	m.mu.Unlock()

	// Schedule ACK if reliable
	if proto.Reliability {
		m.scheduleAck(ctx, frame.Header.MessageCounter)
	}

	// Dispatch to protocol handler
	response, err := handler.OnUnsolicited(ctx, proto.ProtocolOpcode, frame.Payload)
	if err != nil {
		// Remove exchange on error
		m.mu.Lock()
		delete(m.exchanges, key)
		m.mu.Unlock()
		return err
	}

	// Send response if any
	if response != nil {
		reliable := peerAddr.TransportType == transport.TransportTypeUDP
		return ctx.SendMessage(proto.ProtocolOpcode, response, reliable)
	}

	return nil
}

// handleGroupMessage processes an inbound groupcast message.
// Per Spec 4.16: resolve the group session ID to an operational key, decrypt
// with the sender's node ID in the nonce, then apply the per-sender
// trust-first counter policy before dispatch. Group messages carry no MRP:
// a set R flag is a protocol violation and the message is dropped. Any reply
// the handler wants to make goes over a unicast session it opens itself.
func (m *Manager) handleGroupMessage(msg *transport.ReceivedMessage, header *message.MessageHeader) error {
	// Source node ID is mandatory for group messages (Spec 4.4.1).
	if !header.SourcePresent {
		return ErrInvalidMessage
	}
	if m.config.GroupKeyResolver == nil || m.config.SessionManager == nil {
		return ErrSessionNotFound
	}

	key, fabricIndex, ok := m.config.GroupKeyResolver.ResolveGroupSession(header.SessionID)
	if !ok {
		return ErrSessionNotFound
	}

	sourceNodeID := fabric.NodeID(header.SourceNodeID)
	groupCtx, err := session.NewGroupContext(session.GroupContextConfig{
		SourceNodeID:   sourceNodeID,
		FabricIndex:    fabricIndex,
		GroupID:        header.DestinationGroupID,
		GroupSessionID: header.SessionID,
		OperationalKey: key,
	})
	if err != nil {
		return err
	}

	frame, err := groupCtx.Decrypt(msg.Data)
	if err != nil {
		return err
	}

	// Spec 4.12.8: the R flag SHALL NOT be set on group messages.
	if frame.Protocol.Reliability {
		return ErrInvalidMessage
	}

	if !m.config.SessionManager.CheckGroupCounter(fabricIndex, sourceNodeID, frame.Header.MessageCounter) {
		return ErrInvalidMessage
	}

	m.mu.RLock()
	handler, hasHandler := m.handlers[frame.Protocol.ProtocolID]
	m.mu.RUnlock()
	if !hasHandler {
		return ErrNoHandler
	}

	// Groupcast dispatch uses an ephemeral context: nothing is entered in
	// the exchange table and nothing can be sent on it.
	ctx := NewExchangeContext(ExchangeContextConfig{
		ID:             frame.Protocol.ExchangeID,
		Role:           ExchangeRoleResponder,
		ProtocolID:     frame.Protocol.ProtocolID,
		LocalSessionID: header.SessionID,
		Session:        groupCtx,
		PeerAddress:    msg.PeerAddr,
	})

	_, err = handler.OnUnsolicited(ctx, frame.Protocol.ProtocolOpcode, frame.Payload)
	return err
}

// isStandaloneAck reports whether proto describes a bare MRP acknowledgement
// with no payload meaning for upper layers.
func isStandaloneAck(proto *message.ProtocolHeader) bool {
	return proto.ProtocolID == message.ProtocolSecureChannel &&
		proto.ProtocolOpcode == uint8(securechannel.OpcodeStandaloneAck)
}

// handleReceivedAck processes an incoming ACK.
func (m *Manager) handleReceivedAck(ackedCounter uint32) {
	entry := m.retransmitTable.Ack(ackedCounter)
	if entry != nil {
		// Find the exchange and notify
		m.mu.RLock()
		ctx, exists := m.exchanges[entry.ExchangeKey]
		m.mu.RUnlock()

		if exists {
			ctx.onRetransmitComplete()
		}
	}
}

// scheduleAck schedules an ACK for a received reliable message.
func (m *Manager) scheduleAck(ctx *ExchangeContext, messageCounter uint32) {
	key := ctx.GetKey()

	// Track pending ACK in context
	ctx.SetPendingAck(messageCounter)

	// Add to ACK table with timeout callback
	displaced := m.ackTable.Add(key, messageCounter, func() {
		// Timeout - send standalone ACK
		m.sendStandaloneAck(ctx, messageCounter)
	})

	// If displaced an entry that hadn't sent standalone ACK, send it now
	if displaced != nil {
		m.sendStandaloneAck(ctx, displaced.MessageCounter)
	}
}

// sendStandaloneAck sends a standalone ACK message.
func (m *Manager) sendStandaloneAck(ctx *ExchangeContext, ackedCounter uint32) {
	proto := &message.ProtocolHeader{
		ProtocolID:          message.ProtocolSecureChannel,
		ProtocolOpcode:      uint8(securechannel.OpcodeStandaloneAck),
		ExchangeID:          ctx.ID,
		Initiator:           ctx.Role == ExchangeRoleInitiator,
		Acknowledgement:     true,
		Reliability:         false, // Standalone ACKs are never reliable
		AckedMessageCounter: ackedCounter,
	}

	// Mark standalone ACK sent in table
	key := ctx.GetKey()
	m.ackTable.MarkStandaloneAckSent(key)

	// Clear from context
	ctx.ClearPendingAck()

	// Send (empty payload)
	_ = m.sendMessageInternal(ctx, proto, nil)
}

// sendStandaloneAckForUnsolicited sends a standalone ACK for a message that
// carries no exchange (Spec 4.10.5.2: create an ephemeral exchange context
// solely to ack, then drop it). No exchange is retained in the table and the
// ack itself is never reliable, so there is nothing to track afterwards.
func (m *Manager) sendStandaloneAckForUnsolicited(
	frame *message.Frame,
	peerAddr transport.PeerAddress,
	sess SessionContext,
) {
	if m.config.TransportManager == nil {
		return
	}

	var ourRole ExchangeRole
	if frame.Protocol.Initiator {
		ourRole = ExchangeRoleResponder
	} else {
		ourRole = ExchangeRoleInitiator
	}

	proto := &message.ProtocolHeader{
		ProtocolID:          message.ProtocolSecureChannel,
		ProtocolOpcode:      uint8(securechannel.OpcodeStandaloneAck),
		ExchangeID:          frame.Protocol.ExchangeID,
		Initiator:           ourRole == ExchangeRoleInitiator,
		Acknowledgement:     true,
		Reliability:         false,
		AckedMessageCounter: frame.Header.MessageCounter,
	}

	if secureSession, isSecure := sess.(SecureSessionContext); isSecure {
		header := &message.MessageHeader{SessionID: secureSession.PeerSessionID()}
		encoded, err := secureSession.Encrypt(header, proto, nil, false)
		if err != nil {
			return
		}
		_ = m.config.TransportManager.Send(encoded, peerAddr)
		return
	}

	unsecuredCtx, ok := sess.(*session.UnsecuredContext)
	if !ok {
		return
	}
	counter, err := m.config.SessionManager.NextGlobalCounter()
	if err != nil {
		return
	}
	header := message.MessageHeader{
		SessionID:      0,
		SessionType:    message.SessionTypeUnicast,
		MessageCounter: counter,
		SourceNodeID:   uint64(unsecuredCtx.EphemeralNodeID()),
		SourcePresent:  true,
	}
	ackFrame := &message.Frame{Header: header, Protocol: *proto}
	_ = m.config.TransportManager.Send(ackFrame.EncodeUnsecured(), peerAddr)
}

// flushPendingAck sends any pending ACK for an exchange.
func (m *Manager) flushPendingAck(ctx *ExchangeContext) {
	key := ctx.GetKey()

	if m.ackTable.HasPendingAck(key) {
		counter, _ := m.ackTable.PendingCounter(key)
		m.sendStandaloneAck(ctx, counter)
	}
}

// sendMessage sends a message on an exchange.
func (m *Manager) sendMessage(ctx *ExchangeContext, proto *message.ProtocolHeader, payload []byte) error {
	// Check for pending ACK to piggyback
	if ackCounter, hasAck := ctx.GetPendingAck(); hasAck && !proto.Acknowledgement {
		proto.Acknowledgement = true
		proto.AckedMessageCounter = ackCounter

		// Clear from table (piggybacked, not standalone)
		key := ctx.GetKey()
		m.ackTable.MarkAcked(key)
		ctx.ClearPendingAck()
	}

	return m.sendMessageInternal(ctx, proto, payload)
}

// sendMessageInternal performs the actual send.
func (m *Manager) sendMessageInternal(ctx *ExchangeContext, proto *message.ProtocolHeader, payload []byte) error {
	if m.config.TransportManager == nil {
		return ErrInvalid
	}

	sess := ctx.Session()
	if sess == nil {
		return ErrSessionNotFound
	}

	// Get secure session for encryption
	secureSession, isSecure := sess.(SecureSessionContext)
	if !isSecure {
		// Unsecured session - encode without encryption
		return m.sendUnsecuredMessage(ctx, sess, proto, payload)
	}

	// Build message header
	header := &message.MessageHeader{
		SessionID: secureSession.PeerSessionID(),
		// MessageCounter will be set by Encrypt
	}

	// Encrypt
	encoded, err := secureSession.Encrypt(header, proto, payload, false)
	if err != nil {
		return err
	}

	// Track for retransmission if reliable
	if proto.Reliability {
		peerAddr := ctx.PeerAddress()
		params := sess.GetParams()

		// Determine base interval (idle vs active)
		baseInterval := params.IdleInterval
		if secureSession.IsPeerActive() {
			baseInterval = params.ActiveInterval
		}

		key := ctx.GetKey()
		err = m.retransmitTable.Add(key, header.MessageCounter, encoded, peerAddr, baseInterval,
			func(entry *RetransmitEntry) {
				m.onRetransmitTimeout(entry)
			})
		if err != nil {
			return err
		}

		ctx.SetPendingRetransmit(header.MessageCounter)
	}

	// Send via transport
	peerAddr := ctx.PeerAddress()
	return m.config.TransportManager.Send(encoded, peerAddr)
}

// onRetransmitTimeout handles retransmission timer expiry.
func (m *Manager) onRetransmitTimeout(entry *RetransmitEntry) {
	// Get session params for backoff
	m.mu.RLock()
	ctx, exists := m.exchanges[entry.ExchangeKey]
	m.mu.RUnlock()

	if !exists {
		// Exchange gone - remove entry
		m.retransmitTable.RemoveByCounter(entry.MessageCounter)
		return
	}

	sess := ctx.Session()
	if sess == nil {
		m.retransmitTable.RemoveByCounter(entry.MessageCounter)
		ctx.onRetransmitComplete()
		return
	}

	params := sess.GetParams()
	baseInterval := params.IdleInterval

	// Check if peer is active (only for secure sessions)
	if secureSession, ok := sess.(SecureSessionContext); ok {
		if secureSession.IsPeerActive() {
			baseInterval = params.ActiveInterval
		}
	}

	// Schedule retransmit
	if !m.retransmitTable.ScheduleRetransmit(entry.MessageCounter, baseInterval) {
		// Max retries exceeded
		ctx.onRetransmitComplete()
		return
	}

	// Retransmit the message
	_ = m.config.TransportManager.Send(entry.Message, entry.PeerAddress)
}

// removeExchange removes an exchange from the manager.
func (m *Manager) removeExchange(ctx *ExchangeContext) {
	key := ctx.GetKey()

	m.mu.Lock()
	delete(m.exchanges, key)
	m.mu.Unlock()

	// Clean up tables
	m.ackTable.Remove(key)
	m.retransmitTable.Remove(key)

	// Notify delegate
	if delegate := ctx.GetDelegate(); delegate != nil {
		delegate.OnClose(ctx)
	}
}

// sendUnsecuredMessage sends a message on an unsecured session.
// Unsecured sessions are used during PASE/CASE handshake before encryption is established.
// Per Spec 4.13.2.1: Session ID = 0 and Session Type = Unicast (0).
func (m *Manager) sendUnsecuredMessage(ctx *ExchangeContext, sess SessionContext, proto *message.ProtocolHeader, payload []byte) error {
	// Get source node ID from unsecured context
	unsecuredCtx, ok := sess.(*session.UnsecuredContext)
	if !ok {
		return ErrSessionNotFound
	}

	// Get next global message counter
	counter, err := m.config.SessionManager.NextGlobalCounter()
	if err != nil {
		return err
	}

	// Build unsecured message header
	// Per Spec 4.4.1: Session ID = 0, Session Type = Unicast for unsecured
	header := &message.MessageHeader{
		SessionID:      0, // Unsecured session
		SessionType:    message.SessionTypeUnicast,
		MessageCounter: counter,
		SourceNodeID:   uint64(unsecuredCtx.EphemeralNodeID()),
		SourcePresent:  true, // Required for unsecured messages
	}

	// Build frame and encode
	frame := &message.Frame{
		Header:   *header,
		Protocol: *proto,
		Payload:  payload,
	}
	encoded := frame.EncodeUnsecured()

	// Track for retransmission if reliable
	if proto.Reliability {
		peerAddr := ctx.PeerAddress()
		params := sess.GetParams()
		baseInterval := params.IdleInterval

		key := ctx.GetKey()
		err = m.retransmitTable.Add(key, counter, encoded, peerAddr, baseInterval,
			func(entry *RetransmitEntry) {
				m.onRetransmitTimeout(entry)
			})
		if err != nil {
			return err
		}

		ctx.SetPendingRetransmit(counter)
	}

	// Send via transport
	peerAddr := ctx.PeerAddress()
	return m.config.TransportManager.Send(encoded, peerAddr)
}

// Purge removes every exchange that is purgeable (see ExchangeContext.IsPurgeable).
// Scanning and mutating the same table cannot overlap, so this collects
// candidate keys first and removes them in a second pass. Purge is
// idempotent: calling it twice in a row with no intervening traffic removes
// nothing on the second call.
func (m *Manager) Purge() {
	m.mu.RLock()
	stale := make([]exchangeKey, 0, len(m.exchanges))
	for key, ctx := range m.exchanges {
		if ctx.IsPurgeable() {
			stale = append(stale, key)
		}
	}
	m.mu.RUnlock()

	for _, key := range stale {
		m.mu.RLock()
		ctx, exists := m.exchanges[key]
		m.mu.RUnlock()
		if !exists {
			continue
		}
		m.removeExchange(ctx)
	}
}

// PendingAcks returns up to MaxMRPEntries exchange ids whose reliability
// sub-state has an ack ready to flush. The ticker that drives retransmit and
// ack timers calls this to decide which exchanges need a standalone ack sent.
func (m *Manager) PendingAcks() []uint16 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := m.ackTable.PendingKeys(MaxMRPEntries)
	ids := make([]uint16, 0, len(keys))
	for _, key := range keys {
		if _, exists := m.exchanges[key]; exists {
			ids = append(ids, key.exchangeID)
		}
	}
	return ids
}

// EvictSession drops the secure session at localSessionID under capacity
// pressure. It best-effort notifies the peer with a CloseSession status
// report on the first exchange still bound to that session (the transport
// handle used for that send isn't guaranteed to survive the eviction, so the
// notification is advisory only), then reaps every exchange bound to the
// session and removes the session itself.
func (m *Manager) EvictSession(localSessionID uint16) {
	m.mu.RLock()
	var bound []exchangeKey
	var notifyVia *ExchangeContext
	for key, ctx := range m.exchanges {
		if ctx.LocalSessionID() == localSessionID {
			bound = append(bound, key)
			if notifyVia == nil {
				notifyVia = ctx
			}
		}
	}
	m.mu.RUnlock()

	if notifyVia != nil {
		report := securechannel.CloseSession()
		proto := &message.ProtocolHeader{
			ProtocolID:      message.ProtocolSecureChannel,
			ProtocolOpcode:  uint8(securechannel.OpcodeStatusReport),
			ExchangeID:      notifyVia.ID,
			Initiator:       notifyVia.Role == ExchangeRoleInitiator,
			Reliability:     false,
			Acknowledgement: false,
		}
		_ = m.sendMessageInternal(notifyVia, proto, report.Encode())
	}

	for _, key := range bound {
		m.mu.RLock()
		ctx, exists := m.exchanges[key]
		m.mu.RUnlock()
		if exists {
			m.removeExchange(ctx)
		}
	}

	if m.config.SessionManager != nil {
		m.config.SessionManager.RemoveSecureContext(localSessionID)
	}
}

// AddSession adds ctx to the session table, evicting the least-recently-used
// session and retrying once if the table is full. Any other error from the
// session table is surfaced unchanged.
func (m *Manager) AddSession(ctx *session.SecureContext) error {
	err := m.config.SessionManager.AddSecureContext(ctx)
	if err == nil {
		return nil
	}
	if err != session.ErrSessionTableFull {
		return err
	}

	lru, ok := m.config.SessionManager.LRUSession()
	if !ok {
		return ErrInvalid
	}
	m.EvictSession(lru)

	return m.config.SessionManager.AddSecureContext(ctx)
}

// Send transmits payload on the identified exchange. Returns ErrNoExchange
// when no such exchange is tracked; otherwise the send follows the
// exchange's own state rules (see ExchangeContext.SendMessage).
func (m *Manager) Send(localSessionID, exchangeID uint16, role ExchangeRole, opcode uint8, payload []byte, reliable bool) error {
	ctx, ok := m.GetExchange(localSessionID, exchangeID, role)
	if !ok {
		return ErrNoExchange
	}
	return ctx.SendMessage(opcode, payload, reliable)
}

// GetExchange returns an exchange by key, if it exists.
func (m *Manager) GetExchange(localSessionID, exchangeID uint16, role ExchangeRole) (*ExchangeContext, bool) {
	key := exchangeKey{
		localSessionID: localSessionID,
		exchangeID:     exchangeID,
		role:           role,
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	ctx, exists := m.exchanges[key]
	return ctx, exists
}

// ExchangeCount returns the number of active exchanges.
func (m *Manager) ExchangeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.exchanges)
}

// Close shuts down the manager and all exchanges.
func (m *Manager) Close() {
	m.mu.Lock()
	exchanges := make([]*ExchangeContext, 0, len(m.exchanges))
	for _, ctx := range m.exchanges {
		exchanges = append(exchanges, ctx)
	}
	m.mu.Unlock()

	// Close all exchanges
	for _, ctx := range exchanges {
		ctx.Close()
	}

	// Clear tables
	m.ackTable.Clear()
	m.retransmitTable.Clear()
}
