// Package ctl implements the operator control channel: a local unix stream
// socket carrying one newline-terminated request line per connection.
package ctl

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("ctl")

// QuitLine terminates the server loop.
const QuitLine = "QUIT"

// StartServer listens on sockPath and invokes onLine once per connection
// with the first newline-terminated line (CR stripped). It blocks until a
// QUIT line arrives or the listener fails. The socket file is recreated on
// start and removed on return.
func StartServer(sockPath string, onLine func(line string)) error {
	if sockPath == "" {
		return fmt.Errorf("ctl: empty socket path")
	}
	if dir := filepath.Dir(sockPath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("ctl: create socket dir: %w", err)
		}
	}
	// Remove a stale socket from an unclean shutdown.
	_ = os.Remove(sockPath)

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return fmt.Errorf("ctl: listen on %s: %w", sockPath, err)
	}
	defer func() {
		ln.Close()
		os.Remove(sockPath)
	}()

	log.Infof("listening on %s", sockPath)

	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("ctl: accept: %w", err)
		}

		line, err := readFirstLine(conn)
		conn.Close()
		if err != nil {
			log.Warningf("dropping control connection: %v", err)
			continue
		}

		if onLine != nil {
			onLine(line)
		}
		if line == QuitLine {
			return nil
		}
	}
}

func readFirstLine(conn net.Conn) (string, error) {
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}

// SendLine dials the daemon socket and writes one request line. The
// trailing newline is appended if missing.
func SendLine(sockPath, line string) error {
	if sockPath == "" || line == "" {
		return fmt.Errorf("ctl: empty socket path or line")
	}
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		return fmt.Errorf("ctl: dial %s: %w", sockPath, err)
	}
	defer conn.Close()

	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	log.Debugf("sending line: %s", strings.TrimSpace(line))
	if _, err := conn.Write([]byte(line)); err != nil {
		return fmt.Errorf("ctl: send: %w", err)
	}
	return nil
}
