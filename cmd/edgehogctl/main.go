// Copyright 2025 AUTHORS
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command edgehogctl is the debugging client for a running device-runtime
// daemon: it dials the daemon's control socket, sends one command line, and
// streams the response back to stdout.
package main

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/edgehog-device-runtime/device-runtime-go/pkg/cli"
	"github.com/edgehog-device-runtime/device-runtime-go/pkg/config"
)

var configPath = "/etc/edgehog/device-runtime.toml"

func main() {
	if v := os.Getenv("EDGEHOG_CONFIG"); v != "" {
		configPath = v
	}

	network, address, err := resolveSocket(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "edgehogctl:", err)
		os.Exit(1)
	}

	conn, err := net.Dial(network, address)
	if err != nil {
		fmt.Fprintf(os.Stderr, "edgehogctl: connect to %s://%s: %v\n", network, address, err)
		os.Exit(1)
	}
	defer conn.Close()

	handler := cli.NewCommandHandler(conn, sendAndStream(conn))
	root := handler.RootCmd("edgehogctl")
	root.SetArgs(os.Args[1:])

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "edgehogctl:", err)
		os.Exit(1)
	}
}

func resolveSocket(path string) (network, address string, err error) {
	loaded, err := config.Load(path)
	if err != nil {
		return "", "", fmt.Errorf("load config: %w", err)
	}
	network, address = loaded.Resolved().Service.Listener.Addr()
	return network, address, nil
}

// sendAndStream encodes the invoked command as "<dotted.path> <args...>",
// matching the vocabulary device-runtime's debug socket server understands,
// then copies everything the daemon writes back to stdout until it closes
// its side. cmd's own output is left untouched: it is wired to conn only so
// RunE has somewhere to write if cobra itself needs to (usage errors), never
// to relay the daemon's response, which goes straight to the real stdout.
func sendAndStream(conn net.Conn) cli.RunE {
	return func(cmd *cobra.Command, args []string) error {
		path := strings.TrimPrefix(cmd.CommandPath(), "edgehogctl ")
		line := strings.Join(strings.Fields(path), ".")
		if len(args) > 0 {
			line += " " + strings.Join(args, " ")
		}
		if _, err := fmt.Fprintln(conn, line); err != nil {
			return fmt.Errorf("send command: %w", err)
		}

		_, err := io.Copy(os.Stdout, bufio.NewReader(conn))
		if err != nil && err != io.EOF {
			return fmt.Errorf("read response: %w", err)
		}
		return nil
	}
}
