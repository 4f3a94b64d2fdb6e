package bluez

import (
	"testing"

	"github.com/user/bitchat-blue/transport"
)

func TestMacFromPath(t *testing.T) {
	cases := map[string]string{
		"/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF": "AA:BB:CC:DD:EE:FF",
		"/org/bluez/hci1/dev_00_11_22_33_44_55": "00:11:22:33:44:55",
		"/org/bluez/hci0":                       "",
		"":                                      "",
	}
	for in, want := range cases {
		if got := macFromPath(in); got != want {
			t.Errorf("macFromPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMacEqual(t *testing.T) {
	if !macEqual("aa:bb:cc:dd:ee:ff", "AA:BB:CC:DD:EE:FF") {
		t.Error("macEqual is case-sensitive")
	}
	if macEqual("", "") {
		t.Error("empty MACs must not match")
	}
	if macEqual("AA:BB:CC:DD:EE:FF", "AA:BB:CC:DD:EE:00") {
		t.Error("different MACs matched")
	}
}

func TestUUIDListHas(t *testing.T) {
	list := []string{"0000180a-0000-1000-8000-00805f9b34fb", "7E0F8F20-CC0B-4C6E-8A3E-5D21B2F8A9C4"}
	if !uuidListHas(list, "7e0f8f20-cc0b-4c6e-8a3e-5d21b2f8a9c4") {
		t.Error("case-insensitive UUID match failed")
	}
	if uuidListHas(list, "7e0f8f21-cc0b-4c6e-8a3e-5d21b2f8a9c4") {
		t.Error("unexpected UUID hit")
	}
	if uuidListHas(nil, "x") {
		t.Error("hit in empty list")
	}
}

func TestConnectBackoffClassification(t *testing.T) {
	cases := []struct {
		name, msg   string
		wantBackoff uint64
		wantClear   bool
	}{
		{"org.freedesktop.DBus.Error.NoReply", "", backoffBusyMs, false},
		{"org.bluez.Error.InProgress", "", backoffBusyMs, false},
		{"org.bluez.Error.Failed", "Operation already in progress", backoffBusyMs, false},
		{"org.bluez.Error.Failed", "le-connection-abort-by-local", backoffFatalMs, false},
		{"org.freedesktop.DBus.Error.UnknownObject", "", backoffFatalMs, true},
		{"org.freedesktop.DBus.Error.UnknownMethod", "", backoffFatalMs, true},
		{"org.bluez.Error.NotReady", "", backoffFatalMs, false},
	}
	for _, c := range cases {
		backoff, clear := connectBackoff(c.name, c.msg)
		if backoff != c.wantBackoff || clear != c.wantClear {
			t.Errorf("connectBackoff(%q, %q) = (%d, %v), want (%d, %v)",
				c.name, c.msg, backoff, clear, c.wantBackoff, c.wantClear)
		}
	}
}

func TestTransientNotifyError(t *testing.T) {
	if !transientNotifyError("org.bluez.Error.Failed", "ATT error: 0x0e") {
		t.Error("ATT 0x0e should be transient")
	}
	if !transientNotifyError("org.freedesktop.DBus.Error.NoReply", "") {
		t.Error("NoReply should be transient")
	}
	if !transientNotifyError("org.bluez.Error.InProgress", "") {
		t.Error("InProgress should be transient")
	}
	if transientNotifyError("org.bluez.Error.NotPermitted", "") {
		t.Error("NotPermitted should not be transient")
	}
}

func TestSoftWriteError(t *testing.T) {
	if !softWriteError("EBADMSG") {
		t.Error("EBADMSG should be soft")
	}
	if !softWriteError("Invalid exchange") {
		t.Error("errno text for EBADMSG should be soft")
	}
	if softWriteError("Not connected") {
		t.Error("hard error treated as soft")
	}
}

// After a failed connect the backoff gate must keep the next attempt at
// least 5 s away for busy-class errors.
func TestConnectBackoffGate(t *testing.T) {
	tr := New(Config{Role: "central"})
	now := monoMs()
	backoff, _ := connectBackoff("org.freedesktop.DBus.Error.NoReply", "")
	tr.nextConnectAtMs.Store(now + backoff)

	if got := tr.nextConnectAtMs.Load(); got < now+5000 {
		t.Errorf("next connect gate %d, want >= %d", got, now+5000)
	}
}

func TestCandidateTTLAndOrdering(t *testing.T) {
	tr := New(Config{Role: "central"})
	tr.noteCandidate("AA:AA:AA:AA:AA:01", -40)
	tr.noteCandidate("AA:AA:AA:AA:AA:02", -70)
	tr.noteCandidate("AA:AA:AA:AA:AA:03", -55)

	got := tr.Candidates()
	if len(got) != 3 {
		t.Fatalf("got %d candidates", len(got))
	}
	if got[0].RSSI != -40 || got[1].RSSI != -55 || got[2].RSSI != -70 {
		t.Errorf("candidates not sorted by descending RSSI: %+v", got)
	}

	// Pin timestamps so the sweep sees one entry past the TTL and two fresh
	// ones.
	tr.busMu.Lock()
	for addr, c := range tr.candidates {
		if addr == "AA:AA:AA:AA:AA:02" {
			c.LastSeenMs = 1000
		} else {
			c.LastSeenMs = candidateTTLMs + 10000
		}
		tr.candidates[addr] = c
	}
	tr.busMu.Unlock()

	tr.refreshCandidates(candidateTTLMs + 10000)
	if len(tr.Candidates()) != 2 {
		t.Errorf("stale candidate not evicted: %+v", tr.Candidates())
	}
}

func TestHandoverRequestRecorded(t *testing.T) {
	tr := New(Config{Role: "central", PeerAddr: "AA:BB:CC:DD:EE:FF"})
	tr.HandoverTo("00:11:22:33:44:55")
	if !tr.handoverPending.Load() {
		t.Error("handover not pending")
	}
	tr.busMu.Lock()
	desired := tr.desiredAddr
	tr.busMu.Unlock()
	if desired != "00:11:22:33:44:55" {
		t.Errorf("desired addr %q", desired)
	}
}

// doHandover with no bus connection still resets the link state; an empty
// address halts reconnection.
func TestHandoverClearsStateAndHalts(t *testing.T) {
	tr := New(Config{Role: "central"})
	tr.busMu.Lock()
	tr.devPath = "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"
	tr.peerTxPath = tr.devPath + "/service0/char0"
	tr.busMu.Unlock()
	tr.connected.Store(true)
	tr.subscribed.Store(true)

	tr.HandoverTo("")
	tr.doHandover()

	tr.busMu.Lock()
	defer tr.busMu.Unlock()
	if tr.devPath != "" || tr.peerTxPath != "" {
		t.Error("handover left device state behind")
	}
	if tr.connected.Load() || tr.subscribed.Load() {
		t.Error("handover left connection flags set")
	}
	if !tr.halted {
		t.Error("empty handover target did not halt reconnection")
	}
}

func TestHandoverToNewPeerSetsDelay(t *testing.T) {
	tr := New(Config{Role: "central"})
	before := monoMs()
	tr.HandoverTo("00:11:22:33:44:55")
	tr.doHandover()

	tr.busMu.Lock()
	peer := tr.peerAddr
	halted := tr.halted
	tr.busMu.Unlock()
	if peer != "00:11:22:33:44:55" || halted {
		t.Errorf("peer=%q halted=%v", peer, halted)
	}
	gate := tr.nextConnectAtMs.Load()
	if gate < before+handoverConnectDelayMs {
		t.Errorf("connect gate %d too early", gate)
	}
	if !tr.refreshReq.Load() {
		t.Error("handover did not request a candidate refresh")
	}
}

func TestAdoptable(t *testing.T) {
	// No peer configured: any service hit wins.
	tr := New(Config{Role: "central"})
	if !tr.adoptable("AA:BB:CC:DD:EE:FF", true) {
		t.Error("service hit rejected with no peer filter")
	}
	if tr.adoptable("AA:BB:CC:DD:EE:FF", false) {
		t.Error("adopted without service hit or peer match")
	}

	// Peer configured: MAC match, or service hit despite mismatch (RPA).
	tr = New(Config{Role: "central", PeerAddr: "aa:bb:cc:dd:ee:ff"})
	if !tr.adoptable("AA:BB:CC:DD:EE:FF", false) {
		t.Error("exact MAC match rejected")
	}
	if !tr.adoptable("00:00:00:00:00:01", true) {
		t.Error("RPA tolerance not applied on service hit")
	}
	if tr.adoptable("00:00:00:00:00:01", false) {
		t.Error("mismatched MAC without service hit accepted")
	}
}

var _ transport.Transport = (*Transport)(nil)
