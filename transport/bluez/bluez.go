// Package bluez drives the host Bluetooth stack over the system D-Bus to
// carry chat frames across a BLE GATT link. The peripheral role exports the
// GATT service and advertisement; the central role scans, connects and
// subscribes. Both satisfy transport.Transport.
package bluez

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/op/go-logging"

	"github.com/user/bitchat-blue/transport"
)

var log = logging.MustGetLogger("bluez")

const (
	bluezService = "org.bluez"

	adapterIface    = "org.bluez.Adapter1"
	deviceIface     = "org.bluez.Device1"
	gattServiceIface = "org.bluez.GattService1"
	gattCharIface   = "org.bluez.GattCharacteristic1"
	gattMgrIface    = "org.bluez.GattManager1"
	advMgrIface     = "org.bluez.LEAdvertisingManager1"
	advIface        = "org.bluez.LEAdvertisement1"

	objManagerIface = "org.freedesktop.DBus.ObjectManager"
	propsIface      = "org.freedesktop.DBus.Properties"

	// Exported object paths (peripheral role).
	appPath = dbus.ObjectPath("/com/bitchat/app")
	svcPath = dbus.ObjectPath("/com/bitchat/app/svc0")
	txPath  = dbus.ObjectPath("/com/bitchat/app/svc0/char_tx")
	rxPath  = dbus.ObjectPath("/com/bitchat/app/svc0/char_rx")
	advPath = dbus.ObjectPath("/com/bitchat/adv0")

	localName = "BitChat"

	// Central timing knobs (milliseconds).
	coldScanMinIntervalMs  = 2000
	refreshPeriodicMs      = 5000
	candidateTTLMs         = 120000
	handoverConnectDelayMs = 300
	backoffBusyMs          = 5000
	backoffFatalMs         = 2000

	busWaitTimeout = 100 * time.Millisecond
)

// Config selects the role and adapter for one transport instance.
type Config struct {
	Role     string // "central" or "peripheral"
	Adapter  string // "hci0"
	PeerAddr string // optional MAC, strict match for the central
	TxPause  time.Duration
}

// Candidate is one discovered peer as seen by the central.
type Candidate struct {
	Addr       string // AA:BB:CC:DD:EE:FF
	RSSI       int16  // 0 if unknown
	LastSeenMs uint64 // monotonic ms
}

// Transport is the BLE transport for either role.
type Transport struct {
	cfg      Config
	settings transport.Settings
	onFrame  transport.OnFrame

	running atomic.Bool

	conn     *dbus.Conn
	sigCh    chan *dbus.Signal
	stopCh   chan struct{}
	loopDone chan struct{}

	// busMu guards the link-state strings and the candidate map and is held
	// around most bus calls. The central's Connect, DiscoverServices,
	// StartNotify and shutdown Disconnect, and the start-up exports and
	// registrations, are issued without it. Pure flags below are atomics and
	// may be read without it.
	busMu sync.Mutex

	// peripheral state
	notifying atomic.Bool

	// central link state (strings guarded by busMu)
	devPath     string
	peerSvcPath string
	peerTxPath  string
	peerRxPath  string
	peerAddr    string // current target MAC; starts as cfg.PeerAddr, changed by handover
	halted      bool   // handover to empty address: stop trying

	connected         atomic.Bool
	subscribed        atomic.Bool
	servicesResolved  atomic.Bool
	connectInflight   atomic.Bool
	discoverSubmitted atomic.Bool
	discoveryOn       atomic.Bool
	uuidFilterOk      atomic.Bool

	nextConnectAtMs atomic.Uint64
	connectGen      atomic.Uint64 // invalidates late Connect replies

	// candidate cache (guarded by busMu)
	candidates     map[string]Candidate
	lastColdScanMs uint64
	lastRefreshMs  uint64
	refreshReq     atomic.Bool

	// handover request (desiredAddr guarded by busMu)
	handoverPending atomic.Bool
	desiredAddr     string
}

// New builds a transport for the given role. Start opens the bus.
func New(cfg Config) *Transport {
	if cfg.Adapter == "" {
		cfg.Adapter = "hci0"
	}
	return &Transport{
		cfg:        cfg,
		peerAddr:   normalizeMAC(cfg.PeerAddr),
		candidates: make(map[string]Candidate),
	}
}

func (t *Transport) Name() string { return "bluez" }

func (t *Transport) adapterPath() dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + t.cfg.Adapter)
}

func (t *Transport) devPrefix() string {
	return "/org/bluez/" + t.cfg.Adapter + "/dev_"
}

// Start opens the system bus and brings up the configured role. Idempotent.
func (t *Transport) Start(s transport.Settings, onFrame transport.OnFrame) bool {
	if t.running.Load() {
		return true
	}

	t.settings = s
	t.onFrame = onFrame
	t.stopCh = make(chan struct{})
	t.loopDone = make(chan struct{})

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		log.Errorf("system bus connect failed: %v", err)
		return false
	}
	t.conn = conn

	var ok bool
	if t.cfg.Role == "central" {
		ok = t.startCentral()
	} else {
		ok = t.startPeripheral()
	}
	if !ok {
		conn.Close()
		t.conn = nil
		return false
	}

	t.running.Store(true)
	go t.busLoop()
	log.Infof("started role=%s adapter=%s mtu_payload=%d svc=%s",
		t.cfg.Role, t.cfg.Adapter, s.MTUPayload, s.SvcUUID)
	return true
}

// Stop tears the link down and joins the bus loop. Idempotent; joining
// happens outside the bus mutex.
func (t *Transport) Stop() {
	if !t.running.Swap(false) {
		return
	}

	if t.cfg.Role == "central" {
		t.stopCentral()
	} else {
		t.stopPeripheral()
	}

	// Closing the bus wakes the loop; join outside any locks.
	close(t.stopCh)
	t.conn.Close()
	<-t.loopDone

	t.busMu.Lock()
	t.conn = nil
	t.devPath = ""
	t.peerSvcPath, t.peerTxPath, t.peerRxPath = "", "", ""
	t.busMu.Unlock()
	t.connected.Store(false)
	t.subscribed.Store(false)
	t.notifying.Store(false)
	t.servicesResolved.Store(false)
	t.connectInflight.Store(false)
	t.discoverSubmitted.Store(false)
	t.discoveryOn.Store(false)
}

// Send transmits one frame: notify for the peripheral, GATT write for the
// central.
func (t *Transport) Send(frame []byte) bool {
	if !t.running.Load() {
		return false
	}
	if t.cfg.Role == "central" {
		return t.centralSend(frame)
	}
	return t.peripheralSend(frame)
}

// LinkReady is role-specific: the peripheral is ready while the peer
// notifies, the central once connected and subscribed.
func (t *Transport) LinkReady() bool {
	if !t.running.Load() {
		return false
	}
	if t.cfg.Role == "central" {
		return t.connected.Load() && t.subscribed.Load()
	}
	return t.notifying.Load()
}

// busLoop is the only goroutine that runs signal handlers. Between signal
// batches it steps the central state machine.
func (t *Transport) busLoop() {
	defer close(t.loopDone)
	ticker := time.NewTicker(busWaitTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case sig, ok := <-t.sigCh:
			if !ok {
				return // bus closed
			}
			if t.cfg.Role == "central" {
				t.handleSignal(sig)
			}
		case <-ticker.C:
			if t.cfg.Role == "central" {
				t.centralPump()
			}
		}
	}
}

// deliver hands received bytes to the chat layer.
func (t *Transport) deliver(data []byte) {
	if len(data) == 0 || t.onFrame == nil {
		return
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	t.onFrame(cp)
}
