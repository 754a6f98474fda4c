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

// Package cli builds the command tree for edgehogctl, the debugging
// client that talks to a running device-runtime daemon over its local
// control socket. Every leaf command's RunE is the same generic dispatcher:
// the dotted command path and its positional args are sent to the daemon,
// which executes it against the live Store/Reconciler/Supervisor and
// streams output back. Flag values are not sent. The daemon does not
// handle containers inspect/logs or deployments inspect/start/stop; those
// come back as an "unrecognized command" error.
package cli

import (
	"io"
	"runtime/debug"

	"github.com/spf13/cobra"
)

type CommandHandler struct {
	client io.ReadWriter
	runE   RunE
}

type RunE func(cmd *cobra.Command, args []string) error

func NewCommandHandler(client io.ReadWriter, runE RunE) *CommandHandler {
	return &CommandHandler{client, runE}
}

func (h *CommandHandler) RootCmd(name string) *cobra.Command {
	cmd := &cobra.Command{
		Use: name,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.SetIn(h.client)
	cmd.SetOutput(h.client)

	cmd.AddCommand(
		h.containersCmd(),
		h.deploymentsCmd(),
		h.imagesCmd(),
		h.networksCmd(),
		h.volumesCmd(),
		h.forwarderCmd(),
		h.reconcileCmd(),
		h.versionCmd(),
	)

	return cmd
}

// VersionCommit returns the commit hash of the current build.
func VersionCommit() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	var dirty bool
	var commit string
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			commit = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if commit == "" {
		return "dev"
	}

	if len(commit) >= 9 {
		commit = commit[:9]
	}
	if dirty {
		commit += "+dirty"
	}
	return commit
}

func (h *CommandHandler) versionCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "version",
		Short: "Show the device-runtime daemon's version",
		RunE:  h.runE,
	}
	c.Flags().Bool("json", false, "Output as JSON")
	return c
}

func (h *CommandHandler) containersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "containers",
		Short: "Inspect and control containers known to the reconciler",
	}

	ps := &cobra.Command{
		Use:   "ps",
		Short: "List containers and their reconciled status",
		RunE:  h.runE,
	}
	ps.Flags().Bool("all", false, "Include containers in every status, not just Running")
	cmd.AddCommand(ps)

	inspect := &cobra.Command{
		Use:   "inspect <uuid>",
		Short: "Show a container's stored state",
		Args:  cobra.ExactArgs(1),
		RunE:  h.runE,
	}
	cmd.AddCommand(inspect)

	cmd.AddCommand(&cobra.Command{
		Use:   "logs <uuid>",
		Short: "Show a container's engine logs",
		Args:  cobra.ExactArgs(1),
		RunE:  h.runE,
	})

	rm := &cobra.Command{
		Use:   "rm <uuid>",
		Short: "Remove a container from the engine and the store",
		Args:  cobra.ExactArgs(1),
		RunE:  h.runE,
	}
	cmd.AddCommand(rm)

	return cmd
}

func (h *CommandHandler) deploymentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deployments",
		Short: "Inspect and control deployments",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "ps",
		Short: "List deployments and their rolled-up status",
		RunE:  h.runE,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "inspect <uuid>",
		Short: "Show a deployment's member containers and their status",
		Args:  cobra.ExactArgs(1),
		RunE:  h.runE,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "start <uuid>",
		Short: "Set a deployment's target to Started",
		Args:  cobra.ExactArgs(1),
		RunE:  h.runE,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "stop <uuid>",
		Short: "Set a deployment's target to Stopped",
		Args:  cobra.ExactArgs(1),
		RunE:  h.runE,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "rm <uuid>",
		Short: "Remove a deployment and every container it owns",
		Args:  cobra.ExactArgs(1),
		RunE:  h.runE,
	})

	return cmd
}

func (h *CommandHandler) imagesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "images",
		Short: "Inspect pulled and pending images",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "ps",
		Short: "List images and their pull status",
		RunE:  h.runE,
	})
	return cmd
}

func (h *CommandHandler) networksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "networks",
		Short: "Inspect user-defined networks",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "ps",
		Short: "List networks and their creation status",
		RunE:  h.runE,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "rm <uuid>",
		Short: "Remove a network from the engine and the store",
		Args:  cobra.ExactArgs(1),
		RunE:  h.runE,
	})
	return cmd
}

func (h *CommandHandler) volumesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "volumes",
		Short: "Inspect named volumes",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "ps",
		Short: "List volumes and their creation status",
		RunE:  h.runE,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "rm <uuid>",
		Short: "Remove a volume from the engine and the store",
		Args:  cobra.ExactArgs(1),
		RunE:  h.runE,
	})
	return cmd
}

func (h *CommandHandler) forwarderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forwarder",
		Short: "Inspect the remote session forwarder",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sessions",
		Short: "List active forwarder sessions and their connection state",
		RunE:  h.runE,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "stop <token>",
		Short: "Tear down an active forwarder session",
		Args:  cobra.ExactArgs(1),
		RunE:  h.runE,
	})
	return cmd
}

func (h *CommandHandler) reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Trigger an out-of-band reconciliation cycle",
		RunE:  h.runE,
	}
	cmd.Flags().Bool("wait", true, "Wait for the triggered cycle to finish before returning")
	return cmd
}
