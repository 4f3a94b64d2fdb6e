// Package chat orchestrates the protocol stack: HELLO capability exchange,
// PSK/session AEAD, fragmentation, and the underlying transport.
package chat

import (
	"crypto/rand"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/op/go-logging"

	"github.com/user/bitchat-blue/aead"
	"github.com/user/bitchat-blue/config"
	"github.com/user/bitchat-blue/ctrl"
	"github.com/user/bitchat-blue/frag"
	"github.com/user/bitchat-blue/transport"
)

var log = logging.MustGetLogger("chat")

// aeadAAD binds ciphertexts to this protocol.
var aeadAAD = []byte("BC1")

const helloInterval = 200 * time.Millisecond

// Deliver receives the plaintext of each fully reassembled, decrypted
// message.
type Deliver func(plaintext []byte)

// Service owns one link's protocol state. Create with New, then Start.
type Service struct {
	tx         transport.Transport
	aead       aead.PskAead
	mtuPayload int

	deliver Deliver

	isCentral  bool
	helloOn    bool
	localUser  string
	localCaps  uint32
	localHasPSK bool
	psk        []byte // retained for KEX; zeroized on Stop

	nextMsgID atomic.Uint32
	rx        *frag.Reassembler

	tailEnabled atomic.Bool

	// HELLO/KEX state, guarded by mu. Mutated by the hello loop and the
	// transport receive goroutine.
	mu          sync.Mutex
	localNa     [32]byte
	haveLocalNa bool
	peerUser    string
	peerCaps    uint32
	peerHasPSK  bool
	peerNa      [32]byte
	havePeerNa  bool
	sessionOn   bool

	helloStop chan struct{}
	helloDone chan struct{}
	started   bool
}

// New wires a service over the given transport and AEAD. mtuPayload is the
// full frame budget per BLE operation; the fragment payload budget is 12
// bytes less.
func New(tx transport.Transport, box aead.PskAead, mtuPayload int) *Service {
	s := &Service{
		tx:         tx,
		aead:       box,
		mtuPayload: mtuPayload,
		rx:         frag.NewReassembler(),
	}
	s.nextMsgID.Store(1)
	return s
}

// SetDeliver installs the sink for received plaintext. Call before Start.
func (s *Service) SetDeliver(d Deliver) { s.deliver = d }

// SetTail toggles local echo of received plaintext.
func (s *Service) SetTail(on bool) { s.tailEnabled.Store(on) }

// Start brings up the transport and, when enabled, the HELLO beacon loop.
func (s *Service) Start(cfg config.Config) bool {
	s.Stop() // in case a previous epoch is still running

	settings := transport.Settings{
		Role:       cfg.Role,
		MTUPayload: s.mtuPayload,
	}
	if cfg.Transport == "bluez" {
		settings.SvcUUID = config.SvcUUID
		settings.TxUUID = config.TxUUID
		settings.RxUUID = config.RxUUID
	} else {
		settings.Role = "loopback"
	}

	if !s.tx.Start(settings, s.onRx) {
		return false
	}

	s.isCentral = settings.Role == "central"

	// Local capability bit: set iff the PSK parses to a real key. The key is
	// retained for the HKDF step and wiped on Stop.
	if raw, err := aead.ParsePSK(os.Getenv(config.PSKEnvVar)); err == nil {
		s.psk = raw
		s.localHasPSK = true
		s.localCaps = ctrl.CapAeadPskSupported
	} else {
		s.psk = nil
		s.localHasPSK = false
		s.localCaps = 0
	}

	// HELLO runs for the BLE transport always; elsewhere it is configurable.
	s.helloOn = cfg.CtrlHello
	if s.tx.Name() == "bluez" {
		s.helloOn = true
	} else if os.Getenv("BITCHAT_CTRL_HELLO") == "" {
		s.helloOn = false
	}

	s.localUser = cfg.UserID
	if len(s.localUser) > ctrl.MaxUserIDLen {
		s.localUser = s.localUser[:ctrl.MaxUserIDLen]
	}

	s.mu.Lock()
	s.regenNaLocked()
	s.havePeerNa = false
	s.sessionOn = false
	s.mu.Unlock()
	s.aead.SetSession(nil)

	s.started = true
	if !s.helloOn {
		return true
	}

	s.helloStop = make(chan struct{})
	s.helloDone = make(chan struct{})
	go s.helloLoop()
	return true
}

// Stop signals the hello loop, joins it, then stops the transport. Any
// installed session is zeroized.
func (s *Service) Stop() {
	if !s.started {
		return
	}
	s.started = false
	if s.helloStop != nil {
		close(s.helloStop)
		<-s.helloDone
		s.helloStop = nil
	}
	s.tx.Stop()
	s.aead.SetSession(nil)
	for i := range s.psk {
		s.psk[i] = 0
	}
	s.psk = nil
}

// helloLoop observes link readiness at a fixed cadence and sends one HELLO
// per link epoch. A rising edge regenerates the local nonce and wipes the
// previous session; a falling edge wipes it immediately.
func (s *Service) helloLoop() {
	defer close(s.helloDone)
	lastReady := false
	sent := false
	ticker := time.NewTicker(helloInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.helloStop:
			return
		case <-ticker.C:
		}

		ready := s.tx.LinkReady()

		if ready && !lastReady {
			s.mu.Lock()
			s.regenNaLocked()
			s.havePeerNa = false
			s.sessionOn = false
			s.mu.Unlock()
			s.aead.SetSession(nil)
			sent = false
		}

		if ready && !sent {
			if s.sendHello() {
				sent = true
			}
		}

		if !ready {
			sent = false
			s.mu.Lock()
			cleared := s.sessionOn
			s.sessionOn = false
			s.mu.Unlock()
			if cleared {
				s.aead.SetSession(nil)
				log.Debugf("link down: session cleared")
			}
		}
		lastReady = ready
	}
}

func (s *Service) regenNaLocked() {
	if _, err := io.ReadFull(rand.Reader, s.localNa[:]); err != nil {
		log.Errorf("nonce generation failed: %v", err)
		s.haveLocalNa = false
		return
	}
	s.haveLocalNa = s.localHasPSK
}

func (s *Service) sendHello() bool {
	s.mu.Lock()
	var na []byte
	if s.localHasPSK {
		na = append([]byte{}, s.localNa[:]...)
	}
	s.mu.Unlock()

	frame, err := ctrl.EncodeHello(s.localUser, s.localCaps, na)
	if err != nil {
		log.Errorf("HELLO encode failed: %v", err)
		return false
	}
	if !s.tx.Send(frame) {
		return false
	}
	if na != nil {
		log.Infof("HELLO out: user=%q caps=0x%08x na32=%02x%02x...", s.localUser, s.localCaps, na[0], na[1])
	} else {
		log.Infof("HELLO out: user=%q caps=0x%08x na32=(none)", s.localUser, s.localCaps)
	}
	return true
}

// onRx is the transport receive path: HELLO frames update peer state and may
// trigger the key exchange; anything else is a data fragment.
func (s *Service) onRx(frame []byte) {
	if s.helloOn && ctrl.IsHello(frame) {
		if h, err := ctrl.ParseHello(frame); err == nil {
			s.onHello(h)
			return
		}
		// Parse failure falls through to the data path.
	}

	c, err := frag.Parse(frame)
	if err != nil {
		log.Warningf("dropping invalid frame: %v", err)
		return
	}
	full, done := s.rx.Feed(c)
	if !done {
		return
	}

	plain, err := s.aead.Open(full, aeadAAD)
	if err != nil {
		log.Warningf("AEAD decrypt failed (PSK mismatch?) - dropping frame")
		return
	}

	if s.tailEnabled.Load() {
		log.Infof("[RECV] %s", plain)
	}
	if s.deliver != nil {
		s.deliver(plain)
	}
}

func (s *Service) onHello(h *ctrl.Hello) {
	s.mu.Lock()
	if h.UserID != "" {
		s.peerUser = h.UserID
	}
	if h.HasCaps {
		s.peerCaps = h.Caps
	}
	s.peerHasPSK = h.HasCaps && h.Caps&ctrl.CapAeadPskSupported != 0
	if h.HasNa32 {
		s.peerNa = h.Na32
		s.havePeerNa = true
	} else {
		s.peerNa = [32]byte{}
		s.havePeerNa = false
	}
	user := s.peerUser
	caps := s.peerCaps
	s.mu.Unlock()

	s.maybeKex()

	if h.HasNa32 {
		log.Infof("HELLO in: user=%q caps=0x%08x na32=%02x%02x...", user, caps, h.Na32[0], h.Na32[1])
	} else {
		log.Infof("HELLO in: user=%q caps=0x%08x na32=(none)", user, caps)
	}
}

// maybeKex installs the session exactly once per epoch, when both sides have
// a PSK and both nonces are known.
func (s *Service) maybeKex() {
	s.mu.Lock()
	fire := s.localHasPSK && s.peerHasPSK && s.haveLocalNa && s.havePeerNa && !s.sessionOn
	var localNa, peerNa [32]byte
	if fire {
		localNa = s.localNa
		peerNa = s.peerNa
	}
	s.mu.Unlock()
	if !fire {
		return
	}

	centralNa, peripheralNa := localNa[:], peerNa[:]
	if !s.isCentral {
		centralNa, peripheralNa = peerNa[:], localNa[:]
	}

	keys, err := aead.DeriveSessionKeys(s.psk, centralNa, peripheralNa)
	if err != nil {
		log.Warningf("KEX derivation failed: %v", err)
		return
	}
	if !s.isCentral {
		keys.SwapDirections()
	}

	if s.aead.SetSession(keys) {
		s.mu.Lock()
		s.sessionOn = true
		s.mu.Unlock()
		log.Infof("KEX complete, AEAD session enabled")
	} else {
		log.Warningf("KEX install failed, staying on PSK")
	}
	keys.Zeroize()
}

// SendText seals, fragments and transmits one message. Any sub-step failure
// logs and returns false; partial sends are not retried.
func (s *Service) SendText(text string) bool {
	sealed, err := s.aead.Seal([]byte(text), aeadAAD)
	if err != nil {
		log.Errorf("AEAD seal failed: %v", err)
		return false
	}

	payloadMTU := s.mtuPayload - frag.HeaderSize
	if payloadMTU > frag.MaxPayload {
		// The wire format caps fragment payloads at 100 bytes even when the
		// ATT MTU would allow more.
		payloadMTU = frag.MaxPayload
	}
	chunks, err := frag.MakeChunks(s.nextMsgID.Add(1)-1, sealed, payloadMTU)
	if err != nil {
		log.Errorf("make chunks failed: %v", err)
		return false
	}

	for _, c := range chunks {
		frame, err := frag.Serialize(c)
		if err != nil {
			log.Errorf("serialize failed: %v", err)
			return false
		}
		if !s.tx.Send(frame) {
			log.Errorf("transport send failed (chunk %d/%d)", c.Hdr.Seq+1, c.Hdr.Total)
			return false
		}
	}
	return true
}

// PeerUser returns the identity from the last HELLO, if any.
func (s *Service) PeerUser() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerUser
}
