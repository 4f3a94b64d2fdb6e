package bluez

import (
	"github.com/godbus/dbus/v5"
)

// objectManager serves GetManagedObjects on the application root so BlueZ
// can pick up the GATT tree during RegisterApplication.
type objectManager struct {
	t *Transport
}

func (om *objectManager) GetManagedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, *dbus.Error) {
	t := om.t
	return map[dbus.ObjectPath]map[string]map[string]dbus.Variant{
		svcPath: {gattServiceIface: t.serviceProps()},
		txPath:  {gattCharIface: t.txProps()},
		rxPath:  {gattCharIface: t.rxProps()},
	}, nil
}

func (t *Transport) serviceProps() map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"UUID":     dbus.MakeVariant(t.settings.SvcUUID),
		"Primary":  dbus.MakeVariant(true),
		"Includes": dbus.MakeVariant([]dbus.ObjectPath{}),
	}
}

func (t *Transport) txProps() map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"UUID":      dbus.MakeVariant(t.settings.TxUUID),
		"Service":   dbus.MakeVariant(svcPath),
		"Flags":     dbus.MakeVariant([]string{"notify"}),
		"Notifying": dbus.MakeVariant(t.notifying.Load()),
	}
}

func (t *Transport) rxProps() map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"UUID":    dbus.MakeVariant(t.settings.RxUUID),
		"Service": dbus.MakeVariant(svcPath),
		// write-without-response enables the ATT Write Command path.
		"Flags": dbus.MakeVariant([]string{"write", "write-without-response"}),
	}
}

func (t *Transport) advProps() map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"Type":           dbus.MakeVariant("peripheral"),
		"ServiceUUIDs":   dbus.MakeVariant([]string{t.settings.SvcUUID}),
		"LocalName":      dbus.MakeVariant(localName),
		"IncludeTxPower": dbus.MakeVariant(false),
	}
}

// propsServer answers org.freedesktop.DBus.Properties for one exported
// object.
type propsServer struct {
	iface string
	get   func() map[string]dbus.Variant
}

func (p *propsServer) Get(iface, prop string) (dbus.Variant, *dbus.Error) {
	if iface != p.iface {
		return dbus.Variant{}, dbus.NewError("org.freedesktop.DBus.Error.UnknownInterface", nil)
	}
	v, ok := p.get()[prop]
	if !ok {
		return dbus.Variant{}, dbus.NewError("org.freedesktop.DBus.Error.UnknownProperty", nil)
	}
	return v, nil
}

func (p *propsServer) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	if iface != p.iface {
		return nil, dbus.NewError("org.freedesktop.DBus.Error.UnknownInterface", nil)
	}
	return p.get(), nil
}

func (p *propsServer) Set(iface, prop string, value dbus.Variant) *dbus.Error {
	return dbus.NewError("org.freedesktop.DBus.Error.PropertyReadOnly", nil)
}

// txCharacteristic handles the peer's notify subscription on the TX
// characteristic.
type txCharacteristic struct {
	t *Transport
}

func (c *txCharacteristic) StartNotify() *dbus.Error {
	c.t.notifying.Store(true)
	c.t.emitTxPropsChanged("Notifying")
	log.Debugf("tx.StartNotify")
	return nil
}

func (c *txCharacteristic) StopNotify() *dbus.Error {
	c.t.notifying.Store(false)
	c.t.emitTxPropsChanged("Notifying")
	log.Debugf("tx.StopNotify")
	return nil
}

// rxCharacteristic accepts the peer's GATT writes.
type rxCharacteristic struct {
	t *Transport
}

func (c *rxCharacteristic) WriteValue(value []byte, options map[string]dbus.Variant) *dbus.Error {
	log.Debugf("rx.WriteValue len=%d", len(value))
	if v, ok := options["offset"]; ok {
		if off, ok := v.Value().(uint16); ok && off != 0 {
			return dbus.NewError("org.bluez.Error.InvalidOffset",
				[]interface{}{"non-zero offset not supported"})
		}
	}
	c.t.deliver(value)
	return nil
}

// advertisement implements org.bluez.LEAdvertisement1; Release is called by
// BlueZ while unregistering.
type advertisement struct{}

func (advertisement) Release() *dbus.Error {
	log.Debugf("adv.Release()")
	return nil
}

// startPeripheral exports the GATT application and advertisement and
// registers both with BlueZ. The export order matches the registration
// protocol: object manager root first, then the service tree, then the
// advertisement.
func (t *Transport) startPeripheral() bool {
	conn := t.conn

	exports := []struct {
		v     interface{}
		path  dbus.ObjectPath
		iface string
	}{
		{&objectManager{t: t}, appPath, objManagerIface},
		{&propsServer{iface: gattServiceIface, get: t.serviceProps}, svcPath, propsIface},
		{&txCharacteristic{t: t}, txPath, gattCharIface},
		{&propsServer{iface: gattCharIface, get: t.txProps}, txPath, propsIface},
		{&rxCharacteristic{t: t}, rxPath, gattCharIface},
		{&propsServer{iface: gattCharIface, get: t.rxProps}, rxPath, propsIface},
		{advertisement{}, advPath, advIface},
		{&propsServer{iface: advIface, get: t.advProps}, advPath, propsIface},
	}
	for _, e := range exports {
		if err := conn.Export(e.v, e.path, e.iface); err != nil {
			log.Errorf("export %s on %s failed: %v", e.iface, e.path, err)
			return false
		}
	}

	adapter := conn.Object(bluezService, t.adapterPath())

	regApp := adapter.Go(gattMgrIface+".RegisterApplication", 0, nil,
		appPath, map[string]dbus.Variant{})
	go func() {
		<-regApp.Done
		if regApp.Err != nil {
			log.Errorf("RegisterApplication failed: %v", regApp.Err)
		} else {
			log.Debugf("GATT app registered at %s", appPath)
		}
	}()

	regAdv := adapter.Go(advMgrIface+".RegisterAdvertisement", 0, nil,
		advPath, map[string]dbus.Variant{})
	go func() {
		<-regAdv.Done
		if regAdv.Err != nil {
			log.Errorf("RegisterAdvertisement failed: %v", regAdv.Err)
		} else {
			log.Infof("LE advertisement registered")
		}
	}()

	return true
}

// stopPeripheral unwinds startPeripheral: advertisement first, then the
// application, then the exported objects.
func (t *Transport) stopPeripheral() {
	t.busMu.Lock()
	conn := t.conn
	if conn != nil {
		adapter := conn.Object(bluezService, t.adapterPath())
		_ = adapter.Call(advMgrIface+".UnregisterAdvertisement", 0, advPath).Err
		_ = adapter.Call(gattMgrIface+".UnregisterApplication", 0, appPath).Err
		for _, e := range []struct {
			path  dbus.ObjectPath
			iface string
		}{
			{advPath, propsIface}, {advPath, advIface},
			{rxPath, propsIface}, {rxPath, gattCharIface},
			{txPath, propsIface}, {txPath, gattCharIface},
			{svcPath, propsIface}, {svcPath, gattServiceIface},
			{appPath, objManagerIface},
		} {
			_ = conn.Export(nil, e.path, e.iface)
		}
	}
	t.busMu.Unlock()
}

// emitTxPropsChanged signals a property change on the TX characteristic.
func (t *Transport) emitTxPropsChanged(prop string) {
	t.busMu.Lock()
	defer t.busMu.Unlock()
	if t.conn == nil {
		return
	}
	props := map[string]dbus.Variant{}
	if v, ok := t.txProps()[prop]; ok {
		props[prop] = v
	}
	err := t.conn.Emit(txPath, propsIface+".PropertiesChanged",
		gattCharIface, props, []string{})
	if err != nil {
		log.Warningf("PropertiesChanged(%s) emit failed: %v", prop, err)
	}
}

// peripheralSend pushes one frame to the subscriber as a Value change
// notification. Frames are dropped silently while nobody is subscribed.
func (t *Transport) peripheralSend(frame []byte) bool {
	if !t.notifying.Load() {
		log.Debugf("drop send (Notifying=false)")
		return false
	}

	t.busMu.Lock()
	defer t.busMu.Unlock()
	if t.conn == nil {
		return false
	}
	err := t.conn.Emit(txPath, propsIface+".PropertiesChanged",
		gattCharIface,
		map[string]dbus.Variant{"Value": dbus.MakeVariant(frame)},
		[]string{})
	if err != nil {
		log.Warningf("notify send failed: %v", err)
		return false
	}
	log.Debugf("notify len=%d sent", len(frame))
	return true
}
