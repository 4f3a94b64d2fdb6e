// bitchatctl is the operator CLI: it turns subcommands into single control
// lines for the daemon socket.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli"

	"github.com/user/bitchat-blue/config"
	"github.com/user/bitchat-blue/ctl"
)

const (
	exitOK       = 0
	exitBadArgs  = 2
	exitNoServer = 3
)

func sockPath(c *cli.Context) string {
	if s := c.GlobalString("sock"); s != "" {
		return config.ExpandUser(s)
	}
	if s := os.Getenv("BITCHAT_CTL_SOCK"); s != "" {
		return config.ExpandUser(s)
	}
	return config.DefaultCtlSock()
}

func sendOneLine(c *cli.Context, line string) error {
	if line == "" || strings.ContainsRune(line, '\n') {
		return cli.NewExitError("error: invalid command line", exitBadArgs)
	}
	if err := ctl.SendLine(sockPath(c), line); err != nil {
		return cli.NewExitError(
			fmt.Sprintf("error: cannot reach daemon at %s", sockPath(c)), exitNoServer)
	}
	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = "bitchatctl"
	app.Usage = "control a running bitchatd"
	app.HideVersion = true
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "sock",
			Usage: "daemon control socket path",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:      "send",
			Usage:     "send a chat message",
			ArgsUsage: "<text...>",
			Action: func(c *cli.Context) error {
				if c.NArg() < 1 {
					return cli.NewExitError("usage: bitchatctl send <text...>", exitBadArgs)
				}
				return sendOneLine(c, "SEND "+strings.Join(c.Args(), " "))
			},
		},
		{
			Name:      "tail",
			Usage:     "toggle local echo of received messages",
			ArgsUsage: "on|off",
			Action: func(c *cli.Context) error {
				arg := c.Args().First()
				if arg != "on" && arg != "off" {
					return cli.NewExitError("usage: bitchatctl tail on|off", exitBadArgs)
				}
				return sendOneLine(c, "TAIL "+arg)
			},
		},
		{
			Name:  "peers",
			Usage: "refresh and list discovered peers",
			Action: func(c *cli.Context) error {
				return sendOneLine(c, "PEERS")
			},
		},
		{
			Name:      "connect",
			Usage:     "hand the link over to a peer",
			ArgsUsage: "<AA:BB:CC:DD:EE:FF>",
			Action: func(c *cli.Context) error {
				addr := c.Args().First()
				if !config.ValidMAC(addr) {
					return cli.NewExitError("usage: bitchatctl connect <AA:BB:CC:DD:EE:FF>", exitBadArgs)
				}
				return sendOneLine(c, "CONNECT "+strings.ToUpper(addr))
			},
		},
		{
			Name:  "disconnect",
			Usage: "drop the current peer and stop reconnecting",
			Action: func(c *cli.Context) error {
				return sendOneLine(c, "DISCONNECT")
			},
		},
		{
			Name:  "quit",
			Usage: "shut the daemon down",
			Action: func(c *cli.Context) error {
				return sendOneLine(c, ctl.QuitLine)
			},
		},
	}
	app.Action = func(c *cli.Context) error {
		cli.ShowAppHelp(c)
		return cli.NewExitError("", exitBadArgs)
	}
	app.CommandNotFound = func(c *cli.Context, cmd string) {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		os.Exit(exitBadArgs)
	}

	if err := app.Run(os.Args); err != nil {
		if ec, ok := err.(cli.ExitCoder); ok {
			fmt.Fprintln(os.Stderr, ec.Error())
			os.Exit(ec.ExitCode())
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitBadArgs)
	}
	os.Exit(exitOK)
}
