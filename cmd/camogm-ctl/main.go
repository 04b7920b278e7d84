// SPDX-License-Identifier: MIT

// Command camogm-ctl sends one or more commands to a running camogmd's
// command pipe, joined with ';' per the line protocol internal/cmdproto
// parses. It is the small write-only client the operator menu
// (internal/menu) shells out to, and is handy on its own: echoing a line
// into the pipe file works just as well, this just saves remembering the
// path and quoting rules.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("camogm-ctl", pflag.ContinueOnError)
	pipePath := flags.StringP("pipe", "p", "/var/run/camogm.cmd", "path to the daemon's command pipe")
	if err := flags.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	commands := flags.Args()
	if len(commands) == 0 {
		fmt.Fprintln(os.Stderr, "camogm-ctl: no command given, e.g. `camogm-ctl start` or `camogm-ctl port_enable=1`")
		return 1
	}

	line := strings.Join(commands, ";")
	f, err := os.OpenFile(*pipePath, os.O_WRONLY, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "camogm-ctl: open %s: %v\n", *pipePath, err)
		return 1
	}
	defer f.Close()

	if _, err := fmt.Fprintln(f, line); err != nil {
		fmt.Fprintf(os.Stderr, "camogm-ctl: write: %v\n", err)
		return 1
	}
	return 0
}
