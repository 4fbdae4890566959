package handshake

import "github.com/bridgefall/quic/wire"

// Unsolicited key-phase flips that fail to decrypt past this count suggest
// the peer and we have desynchronized key schedules.
const keyConfusionThreshold = 16

// OneRTTKeys manages 1-RTT packet protection across key updates. Both
// traffic secrets ratchet together when either side initiates an update;
// the previous read generation is retained so reordered packets from
// before the transition still decrypt.
type OneRTTKeys struct {
	phase       bool
	read, write *Keys
	prevRead    *Keys
	nextRead    *Keys
	nextWrite   *Keys

	readSecret  []byte
	writeSecret []byte
	suite       Suite

	firstPNCurrent uint64 // smallest packet number seen in the current phase
	sawCurrent     bool
	failedFlips    int
}

// NewOneRTTKeys builds the phase-zero generation and pre-derives the next.
func NewOneRTTKeys(s Secrets) (*OneRTTKeys, error) {
	o := &OneRTTKeys{
		suite:       s.Suite,
		readSecret:  s.Read,
		writeSecret: s.Write,
	}
	var err error
	if o.read, err = NewKeys(s.Suite, s.Read); err != nil {
		return nil, err
	}
	if o.write, err = NewKeys(s.Suite, s.Write); err != nil {
		return nil, err
	}
	if err := o.deriveNext(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *OneRTTKeys) deriveNext() error {
	o.readSecret = NextTrafficSecret(o.readSecret)
	o.writeSecret = NextTrafficSecret(o.writeSecret)
	var err error
	if o.nextRead, err = NewKeys(o.suite, o.readSecret); err != nil {
		return err
	}
	if o.nextWrite, err = NewKeys(o.suite, o.writeSecret); err != nil {
		return err
	}
	// Header protection does not ratchet (RFC 9001 section 6): every
	// generation keeps the keys derived from the original secrets.
	o.nextRead.hp = o.read.hp
	o.nextWrite.hp = o.write.hp
	return nil
}

// Phase returns the current key-phase bit for outgoing packets.
func (o *OneRTTKeys) Phase() bool { return o.phase }

// SealKeys returns the current write keys.
func (o *OneRTTKeys) SealKeys() *Keys { return o.write }

// HeaderKeys returns keys usable for header protection removal. Header
// protection keys do not change across key updates.
func (o *OneRTTKeys) HeaderKeys() *Keys { return o.read }

// InitiateUpdate flips to the next key generation for both directions.
func (o *OneRTTKeys) InitiateUpdate() error {
	return o.advance()
}

func (o *OneRTTKeys) advance() error {
	o.prevRead = o.read
	o.read = o.nextRead
	o.write = o.nextWrite
	o.phase = !o.phase
	o.sawCurrent = false
	o.failedFlips = 0
	return o.deriveNext()
}

// Open decrypts a 1-RTT payload given the packet's key-phase bit. The
// updated result reports whether the peer initiated a key update that this
// call applied.
func (o *OneRTTKeys) Open(ciphertext []byte, pn uint64, header []byte, phase bool) (payload []byte, updated bool, err error) {
	if phase == o.phase {
		payload, err = o.read.Open(nil, ciphertext, pn, header)
		if err != nil {
			return nil, false, err
		}
		if !o.sawCurrent || pn < o.firstPNCurrent {
			o.firstPNCurrent = pn
			o.sawCurrent = true
		}
		return payload, false, nil
	}
	// Opposite phase: either a reordered packet from the previous
	// generation or the peer has initiated an update.
	if o.prevRead != nil && o.sawCurrent && pn < o.firstPNCurrent {
		payload, err = o.prevRead.Open(nil, ciphertext, pn, header)
		if err != nil {
			return nil, false, err
		}
		return payload, false, nil
	}
	payload, err = o.nextRead.Open(nil, ciphertext, pn, header)
	if err != nil {
		o.failedFlips++
		if o.failedFlips > keyConfusionThreshold {
			return nil, false, wire.NewError(wire.KeyUpdateError, "persistent key phase mismatch")
		}
		return nil, false, err
	}
	if err := o.advance(); err != nil {
		return nil, false, err
	}
	o.firstPNCurrent = pn
	o.sawCurrent = true
	return payload, true, nil
}
