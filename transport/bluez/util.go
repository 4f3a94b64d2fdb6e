package bluez

import (
	"strings"
	"time"
)

var processStart = time.Now()

// monoMs is a monotonic millisecond clock for backoff and TTL bookkeeping.
func monoMs() uint64 {
	return uint64(time.Since(processStart) / time.Millisecond)
}

func normalizeMAC(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func macEqual(a, b string) bool {
	return a != "" && strings.EqualFold(a, b)
}

// macFromPath extracts AA:BB:CC:DD:EE:FF from a BlueZ device object path
// like /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF.
func macFromPath(p string) string {
	idx := strings.LastIndex(p, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ToUpper(strings.ReplaceAll(p[idx+5:], "_", ":"))
}

func uuidListHas(list []string, want string) bool {
	for _, u := range list {
		if strings.EqualFold(u, want) {
			return true
		}
	}
	return false
}

// connectBackoff classifies a Device1.Connect failure: busy-style errors get
// the long backoff, unknown object/method additionally clears the device
// path so the pump re-discovers.
func connectBackoff(errName, errMsg string) (backoffMs uint64, clearDev bool) {
	switch errName {
	case "org.freedesktop.DBus.Error.NoReply", "org.bluez.Error.InProgress":
		return backoffBusyMs, false
	case "org.bluez.Error.Failed":
		if strings.Contains(errMsg, "already in progress") {
			return backoffBusyMs, false
		}
		return backoffFatalMs, false
	case "org.freedesktop.DBus.Error.UnknownObject", "org.freedesktop.DBus.Error.UnknownMethod":
		return backoffFatalMs, true
	default:
		return backoffFatalMs, false
	}
}

// transientNotifyError reports whether a StartNotify failure should simply
// be retried on the next pump (ATT 0x0e, NoReply, InProgress).
func transientNotifyError(errName, errMsg string) bool {
	switch errName {
	case "org.freedesktop.DBus.Error.NoReply", "org.bluez.Error.InProgress":
		return true
	case "org.bluez.Error.Failed":
		return strings.Contains(errMsg, "0x0e")
	}
	return false
}

// softWriteError reports whether a WriteValue failure is tolerated: some
// stacks surface EBADMSG even though the ATT write succeeded.
func softWriteError(errMsg string) bool {
	return strings.Contains(errMsg, "EBADMSG") || strings.Contains(errMsg, "Invalid exchange")
}
