// bitchatd is the chat daemon: it owns the transport, the AEAD state and the
// chat service, and takes operator commands over the control socket.
package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/user/bitchat-blue/aead"
	"github.com/user/bitchat-blue/chat"
	"github.com/user/bitchat-blue/config"
	"github.com/user/bitchat-blue/ctl"
	"github.com/user/bitchat-blue/logger"
	"github.com/user/bitchat-blue/transport"
	"github.com/user/bitchat-blue/transport/bluez"
)

func main() {
	log := logger.SetupLogging("bitchatd", logger.LevelFromEnv(), false)

	if err := config.ValidateUUIDs(); err != nil {
		log.Fatal(err)
	}
	cfg := config.Load()

	var box aead.PskAead
	if x := aead.InitFromEnv(config.PSKEnvVar); x != nil {
		box = x
		log.Debugf("AEAD: XChaCha20-Poly1305 with PSK")
	} else {
		box = aead.Noop{}
		log.Warningf("no/invalid BITCHAT_PSK, using noop AEAD")
	}

	var tx transport.Transport
	var ble *bluez.Transport
	if cfg.Transport == "bluez" {
		ble = bluez.New(bluez.Config{
			Role:     cfg.Role,
			Adapter:  cfg.Adapter,
			PeerAddr: cfg.Peer,
			TxPause:  time.Duration(cfg.TxPauseMs) * time.Millisecond,
		})
		tx = ble
	} else {
		tx = transport.NewLoopback()
	}

	svc := chat.New(tx, box, cfg.MTUPayload)
	svc.SetTail(false)
	if !svc.Start(cfg) {
		log.Fatal("chat service failed to start")
	}

	// Signals route through the control path so there is one shutdown
	// sequence.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		log.Infof("signal %v, shutting down", s)
		_ = ctl.SendLine(cfg.CtlSock, ctl.QuitLine)
	}()

	onLine := func(line string) {
		switch {
		case line == ctl.QuitLine:
			log.Infof("QUIT received, exiting")
		case line == "TAIL on":
			svc.SetTail(true)
			log.Infof("tail enabled")
		case line == "TAIL off":
			svc.SetTail(false)
			log.Infof("tail disabled")
		case strings.HasPrefix(line, "SEND "):
			if !svc.SendText(line[len("SEND "):]) {
				log.Warningf("send failed")
			}
		case line == "PEERS":
			if ble == nil || cfg.Role != "central" {
				log.Warningf("PEERS: no central BLE transport")
				return
			}
			ble.RequestRefresh()
			for _, c := range ble.Candidates() {
				log.Infof("%s %d", c.Addr, c.RSSI)
			}
		case strings.HasPrefix(line, "CONNECT "):
			addr := strings.TrimSpace(line[len("CONNECT "):])
			if ble == nil || cfg.Role != "central" {
				log.Warningf("CONNECT: no central BLE transport")
				return
			}
			if !config.ValidMAC(addr) {
				log.Warningf("CONNECT: invalid MAC %q", addr)
				return
			}
			ble.HandoverTo(addr)
		case line == "DISCONNECT":
			if ble == nil || cfg.Role != "central" {
				log.Warningf("DISCONNECT: no central BLE transport")
				return
			}
			ble.HandoverTo("")
		default:
			log.Warningf("unknown control line %q", line)
		}
	}

	err := ctl.StartServer(cfg.CtlSock, onLine)
	svc.Stop()
	if err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
