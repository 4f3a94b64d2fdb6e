package bluez

import (
	"testing"

	"github.com/godbus/dbus/v5"

	"github.com/user/bitchat-blue/transport"
)

func testPeripheral() *Transport {
	tr := New(Config{Role: "peripheral"})
	tr.settings = transport.Settings{
		Role:       "peripheral",
		SvcUUID:    "7e0f8f20-cc0b-4c6e-8a3e-5d21b2f8a9c4",
		TxUUID:     "7e0f8f21-cc0b-4c6e-8a3e-5d21b2f8a9c4",
		RxUUID:     "7e0f8f22-cc0b-4c6e-8a3e-5d21b2f8a9c4",
		MTUPayload: 100,
	}
	return tr
}

func TestGattTreeShape(t *testing.T) {
	tr := testPeripheral()
	om := &objectManager{t: tr}
	objs, derr := om.GetManagedObjects()
	if derr != nil {
		t.Fatalf("GetManagedObjects errored: %v", derr)
	}
	if len(objs) != 3 {
		t.Fatalf("exported %d objects, want 3", len(objs))
	}

	svc, ok := objs[svcPath][gattServiceIface]
	if !ok {
		t.Fatal("service object missing")
	}
	if u, _ := svc["UUID"].Value().(string); u != tr.settings.SvcUUID {
		t.Errorf("service UUID %q", u)
	}
	if p, _ := svc["Primary"].Value().(bool); !p {
		t.Error("service is not primary")
	}

	tx := objs[txPath][gattCharIface]
	if flags, _ := tx["Flags"].Value().([]string); len(flags) != 1 || flags[0] != "notify" {
		t.Errorf("TX flags %v", tx["Flags"].Value())
	}
	if svcRef, _ := tx["Service"].Value().(dbus.ObjectPath); svcRef != svcPath {
		t.Errorf("TX service ref %v", svcRef)
	}

	rx := objs[rxPath][gattCharIface]
	flags, _ := rx["Flags"].Value().([]string)
	if len(flags) != 2 || flags[0] != "write" || flags[1] != "write-without-response" {
		t.Errorf("RX flags %v", flags)
	}
}

func TestAdvertisementProps(t *testing.T) {
	tr := testPeripheral()
	props := tr.advProps()
	if typ, _ := props["Type"].Value().(string); typ != "peripheral" {
		t.Errorf("adv type %q", typ)
	}
	if name, _ := props["LocalName"].Value().(string); name != "BitChat" {
		t.Errorf("adv local name %q", name)
	}
	uuids, _ := props["ServiceUUIDs"].Value().([]string)
	if len(uuids) != 1 || uuids[0] != tr.settings.SvcUUID {
		t.Errorf("adv uuids %v", uuids)
	}
	if inc, _ := props["IncludeTxPower"].Value().(bool); inc {
		t.Error("IncludeTxPower should be false")
	}
}

func TestNotifyingPropertyFollowsSubscription(t *testing.T) {
	tr := testPeripheral()
	if n, _ := tr.txProps()["Notifying"].Value().(bool); n {
		t.Error("fresh peripheral reports Notifying=true")
	}
	tr.notifying.Store(true)
	if n, _ := tr.txProps()["Notifying"].Value().(bool); !n {
		t.Error("Notifying property did not follow state")
	}
}

func TestRxWriteValueRejectsNonZeroOffset(t *testing.T) {
	tr := testPeripheral()
	var delivered [][]byte
	tr.onFrame = func(f []byte) { delivered = append(delivered, f) }

	rx := &rxCharacteristic{t: tr}
	if derr := rx.WriteValue([]byte{0x01, 0x02}, map[string]dbus.Variant{
		"offset": dbus.MakeVariant(uint16(4)),
	}); derr == nil {
		t.Fatal("non-zero offset accepted")
	} else if derr.Name != "org.bluez.Error.InvalidOffset" {
		t.Errorf("error name %q", derr.Name)
	}
	if len(delivered) != 0 {
		t.Error("offset write was delivered")
	}

	if derr := rx.WriteValue([]byte{0x0A, 0x0B}, map[string]dbus.Variant{
		"offset": dbus.MakeVariant(uint16(0)),
		"mtu":    dbus.MakeVariant(uint16(247)), // unrelated options are ignored
	}); derr != nil {
		t.Fatalf("zero-offset write rejected: %v", derr)
	}
	if len(delivered) != 1 || delivered[0][0] != 0x0A {
		t.Fatalf("delivered %v", delivered)
	}
}

func TestStartStopNotifyToggle(t *testing.T) {
	tr := testPeripheral()
	tx := &txCharacteristic{t: tr}

	if derr := tx.StartNotify(); derr != nil {
		t.Fatalf("StartNotify errored: %v", derr)
	}
	if !tr.notifying.Load() {
		t.Error("StartNotify did not set notifying")
	}
	tr.running.Store(true)
	if !tr.LinkReady() {
		t.Error("peripheral not ready while notifying")
	}

	if derr := tx.StopNotify(); derr != nil {
		t.Fatalf("StopNotify errored: %v", derr)
	}
	if tr.notifying.Load() || tr.LinkReady() {
		t.Error("StopNotify did not clear readiness")
	}
}

func TestPeripheralSendDropsWhenNotNotifying(t *testing.T) {
	tr := testPeripheral()
	tr.running.Store(true)
	if tr.Send([]byte{0x01}) {
		t.Error("send succeeded with no subscriber")
	}
}

func TestPropsServerGet(t *testing.T) {
	tr := testPeripheral()
	ps := &propsServer{iface: gattCharIface, get: tr.txProps}

	v, derr := ps.Get(gattCharIface, "UUID")
	if derr != nil {
		t.Fatalf("Get errored: %v", derr)
	}
	if u, _ := v.Value().(string); u != tr.settings.TxUUID {
		t.Errorf("UUID %q", u)
	}

	if _, derr := ps.Get("org.bluez.Bogus1", "UUID"); derr == nil {
		t.Error("wrong interface accepted")
	}
	if _, derr := ps.Get(gattCharIface, "Nope"); derr == nil {
		t.Error("unknown property accepted")
	}
	if derr := ps.Set(gattCharIface, "UUID", dbus.MakeVariant("x")); derr == nil {
		t.Error("Set accepted on read-only properties")
	}

	all, derr := ps.GetAll(gattCharIface)
	if derr != nil || len(all) == 0 {
		t.Error("GetAll failed")
	}
}
