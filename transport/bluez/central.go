package bluez

import (
	"sort"
	"time"

	"github.com/godbus/dbus/v5"
)

// startCentral subscribes to the object-manager and property signals,
// applies the discovery filter and starts scanning. The bus loop does the
// rest.
func (t *Transport) startCentral() bool {
	conn := t.conn

	opts := []dbus.MatchOption{
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
	}
	if err := conn.AddMatchSignal(opts...); err != nil {
		log.Errorf("match InterfacesAdded failed: %v", err)
		return false
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesRemoved"),
	); err != nil {
		log.Errorf("match InterfacesRemoved failed: %v", err)
		return false
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		log.Errorf("match PropertiesChanged failed: %v", err)
		return false
	}

	t.sigCh = make(chan *dbus.Signal, 64)
	conn.Signal(t.sigCh)

	t.setDiscoveryFilter()
	t.startDiscovery()
	return true
}

// stopCentral tears the link down: best-effort disconnect, stop discovery,
// drop the signal subscription. The caller closes the bus and joins.
func (t *Transport) stopCentral() {
	t.busMu.Lock()
	conn := t.conn
	dev := t.devPath
	t.busMu.Unlock()
	if conn == nil {
		return
	}
	if dev != "" {
		_ = conn.Object(bluezService, dbus.ObjectPath(dev)).Call(deviceIface+".Disconnect", 0).Err
	}
	t.busMu.Lock()
	_ = conn.Object(bluezService, t.adapterPath()).Call(adapterIface+".StopDiscovery", 0).Err
	t.discoveryOn.Store(false)
	t.busMu.Unlock()
	conn.RemoveSignal(t.sigCh)
}

// setDiscoveryFilter restricts the scan to LE advertisements of our service
// UUID. Failure is tolerated: the InterfacesAdded handler then checks UUIDs
// itself.
func (t *Transport) setDiscoveryFilter() {
	t.busMu.Lock()
	defer t.busMu.Unlock()
	if t.conn == nil {
		return
	}
	filter := map[string]dbus.Variant{
		"Transport":     dbus.MakeVariant("le"),
		"DuplicateData": dbus.MakeVariant(false),
		"UUIDs":         dbus.MakeVariant([]string{t.settings.SvcUUID}),
	}
	err := t.conn.Object(bluezService, t.adapterPath()).
		Call(adapterIface+".SetDiscoveryFilter", 0, filter).Err
	t.uuidFilterOk.Store(err == nil)
	if err != nil {
		log.Warningf("SetDiscoveryFilter failed (continuing unfiltered): %v", err)
	}
}

func (t *Transport) startDiscovery() {
	t.busMu.Lock()
	defer t.busMu.Unlock()
	if t.conn == nil || t.discoveryOn.Load() {
		return
	}
	err := t.conn.Object(bluezService, t.adapterPath()).Call(adapterIface+".StartDiscovery", 0).Err
	if err != nil {
		log.Warningf("StartDiscovery failed: %v", err)
		return
	}
	t.discoveryOn.Store(true)
	log.Debugf("discovery on")
}

func (t *Transport) stopDiscovery() {
	t.busMu.Lock()
	defer t.busMu.Unlock()
	if t.conn == nil || !t.discoveryOn.Load() {
		return
	}
	err := t.conn.Object(bluezService, t.adapterPath()).Call(adapterIface+".StopDiscovery", 0).Err
	if err != nil {
		log.Warningf("StopDiscovery failed: %v", err)
	}
	t.discoveryOn.Store(false)
	log.Debugf("discovery off")
}

// handleSignal dispatches one bus signal on the loop goroutine.
func (t *Transport) handleSignal(sig *dbus.Signal) {
	if sig == nil {
		return
	}
	switch sig.Name {
	case objManagerIface + ".InterfacesAdded":
		t.onInterfacesAdded(sig)
	case objManagerIface + ".InterfacesRemoved":
		t.onInterfacesRemoved(sig)
	case propsIface + ".PropertiesChanged":
		t.onPropertiesChanged(sig)
	}
}

func (t *Transport) onInterfacesAdded(sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	path, _ := sig.Body[0].(dbus.ObjectPath)
	ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
	if ifaces == nil || !pathHasPrefix(string(path), t.devPrefix()) {
		return
	}
	props, ok := ifaces[deviceIface]
	if !ok {
		return
	}

	addr, rssi, haveRSSI := deviceAddrRSSI(props)
	svcHit := deviceHasUUID(props, t.settings.SvcUUID)
	if !svcHit && t.uuidFilterOk.Load() {
		// BlueZ already filtered the scan by our UUID.
		svcHit = true
	}
	if addr == "" {
		addr = macFromPath(string(path))
	}
	if addr != "" && svcHit {
		t.noteCandidate(addr, rssi)
	}

	if !t.adoptable(addr, svcHit) {
		return
	}
	t.busMu.Lock()
	if t.devPath == "" && !t.halted {
		t.devPath = string(path)
		if haveRSSI {
			log.Infof("found %s addr=%s rssi=%d (svc hit)", path, addr, rssi)
		} else {
			log.Infof("found %s addr=%s (svc hit)", path, addr)
		}
	}
	t.busMu.Unlock()
}

// adoptable applies the peer policy: with a configured peer MAC, accept a
// MAC match, or a service-UUID hit with mismatched MAC (likely a resolvable
// private address); without one, any service hit wins.
func (t *Transport) adoptable(addr string, svcHit bool) bool {
	t.busMu.Lock()
	peer := t.peerAddr
	halted := t.halted
	t.busMu.Unlock()
	if halted {
		return false
	}
	if peer == "" {
		return svcHit
	}
	if macEqual(addr, peer) {
		return true
	}
	if svcHit {
		log.Debugf("peer MAC mismatch but service UUID hit (likely RPA) -> accept")
		return true
	}
	return false
}

func (t *Transport) onInterfacesRemoved(sig *dbus.Signal) {
	if len(sig.Body) < 1 {
		return
	}
	path, _ := sig.Body[0].(dbus.ObjectPath)
	t.busMu.Lock()
	match := t.devPath != "" && t.devPath == string(path)
	if match {
		t.devPath = ""
		t.peerSvcPath, t.peerTxPath, t.peerRxPath = "", "", ""
	}
	t.busMu.Unlock()
	if match {
		t.connected.Store(false)
		t.subscribed.Store(false)
		t.servicesResolved.Store(false)
		t.discoverSubmitted.Store(false)
		log.Infof("InterfacesRemoved -> cleared device %s", path)
	}
}

func (t *Transport) onPropertiesChanged(sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	iface, _ := sig.Body[0].(string)
	changed, _ := sig.Body[1].(map[string]dbus.Variant)
	if changed == nil {
		return
	}
	path := string(sig.Path)

	switch iface {
	case deviceIface:
		t.onDeviceProps(path, changed)
	case gattCharIface:
		t.onCharProps(path, changed)
	}
}

func (t *Transport) onDeviceProps(path string, changed map[string]dbus.Variant) {
	t.busMu.Lock()
	dev := t.devPath
	t.busMu.Unlock()

	// UUIDs arriving late may identify the device when no peer MAC is set.
	if dev == "" {
		if v, ok := changed["UUIDs"]; ok {
			if uu, ok := v.Value().([]string); ok && uuidListHas(uu, t.settings.SvcUUID) {
				t.busMu.Lock()
				noPeer := t.peerAddr == ""
				if noPeer && !t.halted && t.devPath == "" && pathHasPrefix(path, t.devPrefix()) {
					t.devPath = path
					log.Debugf("PropertiesChanged(UUIDs) picked device: %s", path)
				}
				t.busMu.Unlock()
			}
		}
	}

	if v, ok := changed["RSSI"]; ok {
		if rssi, ok := v.Value().(int16); ok {
			if addr := macFromPath(path); addr != "" {
				t.noteCandidate(addr, rssi)
			}
		}
	}

	t.busMu.Lock()
	isOurs := t.devPath != "" && t.devPath == path
	t.busMu.Unlock()
	if !isOurs {
		return
	}

	if v, ok := changed["Connected"]; ok {
		if b, ok := v.Value().(bool); ok {
			if b && !t.connected.Load() {
				t.connected.Store(true)
				log.Infof("Connected property became true (%s)", path)
			} else if !b && t.connected.Load() {
				t.connected.Store(false)
				t.subscribed.Store(false)
				log.Infof("Disconnected (%s)", path)
			}
		}
	}
	if v, ok := changed["ServicesResolved"]; ok {
		if b, ok := v.Value().(bool); ok {
			t.servicesResolved.Store(b)
			log.Infof("ServicesResolved=%v on %s", b, path)
		}
	}
}

func (t *Transport) onCharProps(path string, changed map[string]dbus.Variant) {
	v, ok := changed["Value"]
	if !ok {
		return
	}
	t.busMu.Lock()
	dev := t.devPath
	t.busMu.Unlock()
	if dev == "" || !pathHasPrefix(path, dev+"/") {
		return
	}
	if data, ok := v.Value().([]byte); ok {
		log.Debugf("notify on %s len=%d", path, len(data))
		t.deliver(data)
	}
}

// centralPump is one step of the connect state machine, run between signal
// batches on the bus-loop goroutine.
func (t *Transport) centralPump() {
	if !t.running.Load() {
		return
	}

	if t.handoverPending.Swap(false) {
		t.doHandover()
	}

	// Without a connection there are no valid GATT paths.
	if !t.connected.Load() {
		t.busMu.Lock()
		t.peerSvcPath, t.peerTxPath, t.peerRxPath = "", "", ""
		t.busMu.Unlock()
		t.discoverSubmitted.Store(false)
	}

	t.busMu.Lock()
	dev := t.devPath
	halted := t.halted
	t.busMu.Unlock()

	now := monoMs()
	if dev == "" && !halted {
		t.coldScan(now, false)
	} else if dev != "" && !t.connected.Load() && !t.connectInflight.Load() &&
		now >= t.nextConnectAtMs.Load() {
		t.connect(dev)
	}

	if t.connected.Load() && !t.subscribed.Load() {
		t.resolveAndSubscribe()
	}

	// Discovery is off while a connect is inflight: some controllers abort
	// scans during pairing.
	if t.connectInflight.Load() {
		if t.discoveryOn.Load() {
			t.stopDiscovery()
		}
	} else if !t.discoveryOn.Load() && !halted {
		t.startDiscovery()
	}

	t.refreshCandidates(now)
}

// coldScan enumerates existing BlueZ objects to find the peer without
// waiting for a fresh advertisement. refreshOnly limits it to updating the
// candidate cache.
func (t *Transport) coldScan(now uint64, refreshOnly bool) {
	t.busMu.Lock()
	if t.conn == nil {
		t.busMu.Unlock()
		return
	}
	if !refreshOnly && now < t.lastColdScanMs+coldScanMinIntervalMs {
		t.busMu.Unlock()
		return
	}
	t.lastColdScanMs = now
	conn := t.conn
	t.busMu.Unlock()

	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	t.busMu.Lock()
	call := conn.Object(bluezService, "/").Call(objManagerIface+".GetManagedObjects", 0)
	err := call.Err
	if err == nil {
		err = call.Store(&objs)
	}
	t.busMu.Unlock()
	if err != nil {
		log.Warningf("GetManagedObjects failed: %v", err)
		return
	}

	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok || !pathHasPrefix(string(path), t.devPrefix()) {
			continue
		}
		addr, rssi, _ := deviceAddrRSSI(props)
		if addr == "" {
			addr = macFromPath(string(path))
		}
		svcHit := deviceHasUUID(props, t.settings.SvcUUID)
		if addr != "" && svcHit {
			t.noteCandidate(addr, rssi)
		}
		if refreshOnly {
			continue
		}

		// Cold adoption is strict: the configured peer MAC must match, or a
		// service hit wins when no peer is set.
		t.busMu.Lock()
		adopt := t.devPath == "" && !t.halted
		if adopt {
			if t.peerAddr != "" {
				adopt = macEqual(addr, t.peerAddr)
			} else {
				adopt = svcHit
			}
		}
		if adopt {
			t.devPath = string(path)
			log.Infof("cold scan found %s addr=%s rssi=%d", path, addr, rssi)
		}
		t.busMu.Unlock()
	}
}

// connect issues the async Device1.Connect. Late replies from a previous
// generation (after handover or stop) are ignored.
func (t *Transport) connect(dev string) {
	t.connectInflight.Store(true)
	gen := t.connectGen.Load()

	t.busMu.Lock()
	conn := t.conn
	t.busMu.Unlock()
	if conn == nil {
		t.connectInflight.Store(false)
		return
	}

	log.Debugf("Connect -> %s", dev)
	call := conn.Object(bluezService, dbus.ObjectPath(dev)).Go(deviceIface+".Connect", 0, nil)
	go func() {
		<-call.Done
		if t.connectGen.Load() != gen || !t.running.Load() {
			return // stale reply after handover or stop
		}
		t.connectInflight.Store(false)
		if call.Err == nil {
			t.connected.Store(true)
			t.servicesResolved.Store(false)
			log.Infof("Device connected: %s", dev)
			return
		}

		name, msg := dbusErrorParts(call.Err)
		backoff, clearDev := connectBackoff(name, msg)
		if backoff >= backoffBusyMs {
			log.Warningf("Connect in progress/timeout, backoff %dms: %s: %s", backoff, name, msg)
		} else {
			log.Errorf("Device1.Connect failed, backoff %dms: %s: %s", backoff, name, msg)
		}
		t.connected.Store(false)
		t.subscribed.Store(false)
		if clearDev {
			t.busMu.Lock()
			t.devPath = ""
			t.busMu.Unlock()
			log.Debugf("cleared device path after UnknownObject/Method")
		}
		t.nextConnectAtMs.Store(monoMs() + backoff)
	}()
}

// resolveAndSubscribe finds the remote GATT paths and subscribes to TX
// notifications. Transient failures leave subscribed=false so the next pump
// retries.
func (t *Transport) resolveAndSubscribe() {
	t.busMu.Lock()
	conn := t.conn
	dev := t.devPath
	t.busMu.Unlock()
	if conn == nil || dev == "" {
		return
	}

	if !t.discoverSubmitted.Swap(true) {
		// Best-effort: most stacks resolve services on their own; older ones
		// want an explicit kick. UnknownMethod is expected and ignored.
		err := conn.Object(bluezService, dbus.ObjectPath(dev)).
			Call(deviceIface+".DiscoverServices", 0).Err
		if err != nil {
			if name, _ := dbusErrorParts(err); name != "org.freedesktop.DBus.Error.UnknownMethod" {
				log.Debugf("DiscoverServices: %v", err)
			}
		}
	}

	if !t.findGattPaths() {
		return
	}

	t.busMu.Lock()
	tx := t.peerTxPath
	t.busMu.Unlock()
	err := conn.Object(bluezService, dbus.ObjectPath(tx)).Call(gattCharIface+".StartNotify", 0).Err
	if err != nil {
		name, msg := dbusErrorParts(err)
		if transientNotifyError(name, msg) {
			log.Debugf("StartNotify transient failure, will retry: %s: %s", name, msg)
		} else {
			log.Warningf("StartNotify failed: %s: %s", name, msg)
		}
		return
	}
	t.subscribed.Store(true)
	log.Infof("subscribed to notifications on %s", tx)
}

// findGattPaths walks the object tree under the connected device and fills
// in the remote service/TX/RX characteristic paths.
func (t *Transport) findGattPaths() bool {
	t.busMu.Lock()
	conn := t.conn
	dev := t.devPath
	already := t.peerTxPath != "" && t.peerRxPath != ""
	t.busMu.Unlock()
	if already {
		return true
	}
	if conn == nil || dev == "" {
		return false
	}

	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	t.busMu.Lock()
	call := conn.Object(bluezService, "/").Call(objManagerIface+".GetManagedObjects", 0)
	err := call.Err
	if err == nil {
		err = call.Store(&objs)
	}
	t.busMu.Unlock()
	if err != nil {
		log.Warningf("GetManagedObjects failed: %v", err)
		return false
	}

	var svc, tx, rx string
	for path, ifaces := range objs {
		if !pathHasPrefix(string(path), dev+"/") {
			continue
		}
		if props, ok := ifaces[gattServiceIface]; ok {
			if u := propString(props, "UUID"); uuidEqual(u, t.settings.SvcUUID) {
				svc = string(path)
			}
		}
	}
	if svc == "" {
		return false
	}
	for path, ifaces := range objs {
		if !pathHasPrefix(string(path), svc+"/") {
			continue
		}
		props, ok := ifaces[gattCharIface]
		if !ok {
			continue
		}
		switch u := propString(props, "UUID"); {
		case uuidEqual(u, t.settings.TxUUID):
			tx = string(path)
		case uuidEqual(u, t.settings.RxUUID):
			rx = string(path)
		}
	}
	if tx == "" || rx == "" {
		return false
	}

	t.busMu.Lock()
	t.peerSvcPath, t.peerTxPath, t.peerRxPath = svc, tx, rx
	t.busMu.Unlock()
	log.Debugf("resolved GATT paths svc=%s tx=%s rx=%s", svc, tx, rx)
	return true
}

// centralSend writes one frame to the remote RX characteristic as an ATT
// Write Request.
func (t *Transport) centralSend(frame []byte) bool {
	if len(frame) > t.settings.MTUPayload && t.settings.MTUPayload > 0 {
		log.Warningf("send len=%d > mtu_payload=%d (sending anyway)",
			len(frame), t.settings.MTUPayload)
	}

	t.busMu.Lock()
	conn := t.conn
	rx := t.peerRxPath
	t.busMu.Unlock()
	if conn == nil || rx == "" {
		return false
	}

	opts := map[string]dbus.Variant{
		"type":   dbus.MakeVariant("request"),
		"offset": dbus.MakeVariant(uint16(0)),
	}
	t.busMu.Lock()
	err := conn.Object(bluezService, dbus.ObjectPath(rx)).
		Call(gattCharIface+".WriteValue", 0, frame, opts).Err
	t.busMu.Unlock()

	ok := err == nil
	if err != nil {
		if _, msg := dbusErrorParts(err); softWriteError(msg) {
			log.Debugf("WriteValue EBADMSG ignored (write likely succeeded)")
			ok = true
		} else {
			log.Warningf("WriteValue failed: %v", err)
		}
	}
	log.Debugf("send len=%d %s", len(frame), okStr(ok))

	if t.cfg.TxPause > 0 {
		time.Sleep(t.cfg.TxPause)
	}
	return ok
}

// HandoverTo switches the central to a new peer MAC. An empty address means
// disconnect and stop trying. The actual work happens on the bus loop.
func (t *Transport) HandoverTo(addr string) {
	t.busMu.Lock()
	t.desiredAddr = normalizeMAC(addr)
	t.busMu.Unlock()
	t.handoverPending.Store(true)
}

func (t *Transport) doHandover() {
	t.busMu.Lock()
	desired := t.desiredAddr
	dev := t.devPath
	conn := t.conn
	t.busMu.Unlock()

	log.Infof("handover -> %q", desired)

	t.stopDiscovery()
	t.connectGen.Add(1) // cancels any inflight Connect reply
	t.connectInflight.Store(false)

	if conn != nil && dev != "" {
		t.busMu.Lock()
		_ = conn.Object(bluezService, dbus.ObjectPath(dev)).Call(deviceIface+".Disconnect", 0).Err
		t.busMu.Unlock()
	}

	t.busMu.Lock()
	t.devPath = ""
	t.peerSvcPath, t.peerTxPath, t.peerRxPath = "", "", ""
	t.peerAddr = desired
	t.halted = desired == ""
	t.busMu.Unlock()
	t.connected.Store(false)
	t.subscribed.Store(false)
	t.servicesResolved.Store(false)
	t.discoverSubmitted.Store(false)

	if desired == "" {
		return
	}

	t.nextConnectAtMs.Store(monoMs() + handoverConnectDelayMs)
	t.refreshReq.Store(true)
	t.setDiscoveryFilter()
	t.startDiscovery()
}

// noteCandidate records or refreshes one discovered peer.
func (t *Transport) noteCandidate(addr string, rssi int16) {
	addr = normalizeMAC(addr)
	if addr == "" {
		return
	}
	t.busMu.Lock()
	t.candidates[addr] = Candidate{Addr: addr, RSSI: rssi, LastSeenMs: monoMs()}
	t.busMu.Unlock()
}

// refreshCandidates reruns the cold scan in refresh-only mode on request or
// every few seconds, and evicts entries past the TTL.
func (t *Transport) refreshCandidates(now uint64) {
	want := t.refreshReq.Swap(false)
	t.busMu.Lock()
	if !want && now >= t.lastRefreshMs+refreshPeriodicMs {
		want = true
	}
	if want {
		t.lastRefreshMs = now
	}
	for addr, c := range t.candidates {
		if now > c.LastSeenMs+candidateTTLMs {
			delete(t.candidates, addr)
		}
	}
	t.busMu.Unlock()

	if want {
		t.coldScan(now, true)
	}
}

// RequestRefresh asks the bus loop for an asynchronous candidate refresh.
func (t *Transport) RequestRefresh() {
	t.refreshReq.Store(true)
}

// Candidates returns a snapshot sorted by descending RSSI.
func (t *Transport) Candidates() []Candidate {
	t.busMu.Lock()
	out := make([]Candidate, 0, len(t.candidates))
	for _, c := range t.candidates {
		out = append(out, c)
	}
	t.busMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RSSI > out[j].RSSI })
	return out
}

// --- small decoding helpers -------------------------------------------------

func pathHasPrefix(path, prefix string) bool {
	return len(path) >= len(prefix) && path[:len(prefix)] == prefix
}

func deviceAddrRSSI(props map[string]dbus.Variant) (addr string, rssi int16, haveRSSI bool) {
	if v, ok := props["Address"]; ok {
		addr, _ = v.Value().(string)
	}
	if v, ok := props["RSSI"]; ok {
		if r, ok := v.Value().(int16); ok {
			rssi, haveRSSI = r, true
		}
	}
	return normalizeMAC(addr), rssi, haveRSSI
}

func deviceHasUUID(props map[string]dbus.Variant, want string) bool {
	v, ok := props["UUIDs"]
	if !ok {
		return false
	}
	uu, _ := v.Value().([]string)
	return uuidListHas(uu, want)
}

func propString(props map[string]dbus.Variant, key string) string {
	if v, ok := props[key]; ok {
		s, _ := v.Value().(string)
		return s
	}
	return ""
}

func uuidEqual(a, b string) bool {
	return a != "" && uuidListHas([]string{a}, b)
}

func dbusErrorParts(err error) (name, msg string) {
	if err == nil {
		return "", ""
	}
	if de, ok := err.(dbus.Error); ok {
		name = de.Name
		if len(de.Body) > 0 {
			if s, ok := de.Body[0].(string); ok {
				msg = s
			}
		}
		return name, msg
	}
	return "", err.Error()
}

func okStr(ok bool) string {
	if ok {
		return "OK"
	}
	return "FAIL"
}
