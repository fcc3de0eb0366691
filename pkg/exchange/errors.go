package exchange

import "errors"

// Errors returned by the exchange package.
var (
	// ErrExchangeClosed is returned when attempting operations on a closed exchange.
	ErrExchangeClosed = errors.New("exchange: exchange is closed")

	// ErrExchangeClosing is returned when attempting to send on a closing exchange.
	ErrExchangeClosing = errors.New("exchange: exchange is closing")

	// ErrNoHandler is returned when no protocol handler is registered for a message.
	ErrNoHandler = errors.New("exchange: no handler registered for protocol")

	// ErrExchangeExists is returned when trying to create a duplicate exchange.
	ErrExchangeExists = errors.New("exchange: exchange already exists")

	// ErrExchangeNotFound is returned when an exchange cannot be found.
	ErrExchangeNotFound = errors.New("exchange: exchange not found")

	// ErrSessionNotFound is returned when a session cannot be found for a message.
	ErrSessionNotFound = errors.New("exchange: session not found")

	// ErrInvalidRole is returned for invalid exchange role values.
	ErrInvalidRole = errors.New("exchange: invalid exchange role")

	// ErrPendingRetransmit is returned when trying to send while a retransmit is pending.
	// Per Spec 4.10: Exchange layer SHALL NOT accept a message from upper layer
	// when there is an outbound reliable message pending.
	ErrPendingRetransmit = errors.New("exchange: reliable message pending")

	// ErrMaxRetransmits is returned when max retransmissions exceeded without ACK.
	ErrMaxRetransmits = errors.New("exchange: max retransmissions exceeded")

	// ErrDuplicateMessage is returned for duplicate messages (already processed).
	ErrDuplicateMessage = errors.New("exchange: duplicate message")

	// ErrInvalidMessage is returned for malformed or invalid messages.
	ErrInvalidMessage = errors.New("exchange: invalid message")

	// ErrNoSpace is returned when the exchange table, the session table (after
	// an eviction attempt), or an ack/retransmit table is at capacity.
	ErrNoSpace = errors.New("exchange: no space")

	// ErrNoExchange is returned when an inbound packet names an exchange id
	// that is unknown and the peer is not the initiator, or when a known id's
	// stored role/session does not match the incoming packet. Historically
	// surfaced as ErrNoSpace by the lookup helper that predates this alias;
	// new callers should match on ErrNoExchange.
	ErrNoExchange = errors.New("exchange: no exchange")

	// ErrInvalid is returned when the transport machinery is in a state the
	// caller cannot act on: the session table returned no session index even
	// after an eviction attempt, or no transport is configured for an
	// outbound send.
	ErrInvalid = errors.New("exchange: invalid")

	// ErrUnsolicitedNotInitiator is an alias of ErrNoExchange kept for
	// callers that already match on it: an unknown exchange id arriving
	// without the initiator flag set is the same routing failure.
	ErrUnsolicitedNotInitiator = ErrNoExchange
)
