package message

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// MessageCounter manages outgoing message counter values.
// It is safe for concurrent use.
type MessageCounter struct {
	value uint32
	mu    sync.Mutex
}

// NewMessageCounter creates a new message counter initialized with a random value.
// Per Spec 4.6.1.1, counters are initialized to random values in [1, 2^28].
func NewMessageCounter() *MessageCounter {
	return &MessageCounter{
		value: randomCounterInit(),
	}
}

// NewMessageCounterWithValue creates a counter with a specific initial value.
// Used for testing or restoring persisted counters.
func NewMessageCounterWithValue(initial uint32) *MessageCounter {
	return &MessageCounter{
		value: initial,
	}
}

// Next returns the next counter value and increments the internal counter.
// The returned error is always nil: the counter wraps silently. Overflow is
// detected by SessionCounter.Next, not here.
func (c *MessageCounter) Next() (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.value
	c.value++

	// Note: Overflow detection is caller's responsibility for session counters.
	// Group counters are allowed to roll over per spec.

	return current, nil
}

// Current returns the current counter value without incrementing.
func (c *MessageCounter) Current() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// randomCounterInit generates a random initial counter value.
// Per spec: Crypto_DRBG(len = 28) + 1, giving range [1, 2^28].
func randomCounterInit() uint32 {
	var buf [4]byte
	_, err := rand.Read(buf[:])
	if err != nil {
		// Fallback to 1 if random fails (should never happen)
		return 1
	}

	// Mask to 28 bits and add 1
	value := binary.LittleEndian.Uint32(buf[:])
	value = (value & (CounterInitMax - 1)) + 1

	return value
}

// CounterWindow implements the 16-bit sliding window bitmap used for
// per-session-direction replay detection (Section 4.6.5.1).
//
// Bit i of the bitmap is set when counter (maxCounter-(i+1)) has been seen.
// The bitmap only ever describes the 16 predecessors of maxCounter; anything
// older is always a duplicate.
type CounterWindow struct {
	maxCounter  uint32
	bitmap      uint16
	initialized bool // whether the window has been seeded by a first counter
	mu          sync.Mutex
}

// NewCounterWindow creates a counter window seeded with a known starting
// counter. The bitmap starts all-ones: the history below initialMax is
// treated as already consumed, so counters at or below it are duplicates
// until individually accepted by a later call to Recv.
func NewCounterWindow(initialMax uint32) *CounterWindow {
	return &CounterWindow{
		maxCounter:  initialMax,
		bitmap:      0xffff,
		initialized: true,
	}
}

// NewCounterWindowEmpty creates a counter window that has not yet observed
// a counter. The first call to Recv seeds maxCounter from that message and
// is always reported as accepted.
func NewCounterWindowEmpty() *CounterWindow {
	return &CounterWindow{}
}

func (w *CounterWindow) contains(bit uint32) bool {
	return w.bitmap&(1<<bit) != 0
}

func (w *CounterWindow) insert(bit uint32) {
	w.bitmap |= 1 << bit
}

// Recv updates the window for an inbound message counter and reports whether
// it is a duplicate. isEncrypted distinguishes secure-session traffic, which
// never permits the reboot/resync fallback, from unencrypted traffic, which
// does (Section 4.6.5.3).
func (w *CounterWindow) Recv(msgCtr uint32, isEncrypted bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.initialized {
		w.maxCounter = msgCtr
		w.bitmap = 0xffff
		w.initialized = true
		return false
	}

	diff := int64(int32(msgCtr - w.maxCounter))

	switch {
	case msgCtr == w.maxCounter:
		return true

	case diff < 0 && diff >= -RxBitmapSize:
		index := uint32(-diff) - 1
		if w.contains(index) {
			return true
		}
		w.insert(index)
		return false

	case diff > 0:
		w.maxCounter = msgCtr
		if diff < RxBitmapSize {
			w.bitmap <<= uint(diff)
			w.insert(uint32(diff) - 1)
		} else {
			w.bitmap = 0xffff
		}
		return false

	case !isEncrypted:
		// Backward jump beyond the window on an unencrypted message: treat
		// as a peer reboot with a freshly chosen counter.
		w.maxCounter = msgCtr
		w.bitmap = 0xffff
		return false

	default:
		return true
	}
}

// MaxCounter returns the highest counter accepted so far.
func (w *CounterWindow) MaxCounter() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.maxCounter
}

// Bitmap returns the current window bitmap. Exposed for tests.
func (w *CounterWindow) Bitmap() uint16 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bitmap
}

// GlobalCounter represents a global message counter that persists across sessions.
// Used for unencrypted messages and group messages.
type GlobalCounter struct {
	*MessageCounter
}

// NewGlobalCounter creates a new global counter.
func NewGlobalCounter() *GlobalCounter {
	return &GlobalCounter{
		MessageCounter: NewMessageCounter(),
	}
}

// SessionCounter represents a per-session message counter.
// It tracks whether the counter has overflowed (which invalidates the session).
type SessionCounter struct {
	*MessageCounter
	exhausted bool
}

// NewSessionCounter creates a new session counter.
func NewSessionCounter() *SessionCounter {
	return &SessionCounter{
		MessageCounter: NewMessageCounter(),
		exhausted:      false,
	}
}

// NewSessionCounterWithValue creates a session counter with a specific initial value.
// Used for testing or restoring persisted counters.
func NewSessionCounterWithValue(initial uint32) *SessionCounter {
	return &SessionCounter{
		MessageCounter: NewMessageCounterWithValue(initial),
		exhausted:      false,
	}
}

// Next returns the next counter value.
// Returns ErrCounterExhausted if the counter has wrapped (session must be re-established).
func (c *SessionCounter) Next() (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.exhausted {
		return 0, ErrCounterExhausted
	}

	current := c.value
	c.value++

	// Check for wrap-around
	if c.value == 0 {
		c.exhausted = true
	}

	return current, nil
}

// IsExhausted returns true if the counter has wrapped.
func (c *SessionCounter) IsExhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exhausted
}
