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

// Command device-runtime is the on-device fleet agent: it reconciles
// container resources against a local engine, forwards remote operator
// sessions over an outbound tunnel, and exposes both for inspection on a
// local debug control socket.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/edgehog-device-runtime/device-runtime-go/pkg/cli"
	"github.com/edgehog-device-runtime/device-runtime-go/pkg/cloudbus"
	"github.com/edgehog-device-runtime/device-runtime-go/pkg/config"
	"github.com/edgehog-device-runtime/device-runtime-go/pkg/containers"
	"github.com/edgehog-device-runtime/device-runtime-go/pkg/containers/engine"
	"github.com/edgehog-device-runtime/device-runtime-go/pkg/containers/reconciler"
	"github.com/edgehog-device-runtime/device-runtime-go/pkg/events"
	"github.com/edgehog-device-runtime/device-runtime-go/pkg/forwarder"
	"github.com/edgehog-device-runtime/device-runtime-go/pkg/log"
	"github.com/edgehog-device-runtime/device-runtime-go/pkg/netinfo"
	"github.com/edgehog-device-runtime/device-runtime-go/pkg/store"
)

var (
	configPath = flag.String("config", "/etc/edgehog/device-runtime.toml", "path to the device-runtime configuration file")
	logLevel   = flag.String("log-level", "info", "log level: debug, info, warn, error")
	logJSON    = flag.Bool("log-json", false, "emit logs as JSON")
)

func main() {
	flag.Parse()
	log.Init(log.Config{Level: *logLevel, JSON: *logJSON})
	logger := log.WithComponent("main")

	if err := run(); err != nil {
		logger.Fatal().Err(err).Msg("device-runtime exited")
	}
}

func run() error {
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loaded, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := loaded.Resolved()

	storeDir := cfg.StoreDirectory
	if storeDir == "" {
		storeDir = "/var/lib/edgehog"
	}
	if err := os.MkdirAll(storeDir, 0o700); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}

	handle, err := store.Open(ctx, filepath.Join(storeDir, "containers.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer handle.Close()

	containerStore := containers.NewStore(handle)

	eng, err := engine.New()
	if err != nil {
		return fmt.Errorf("connect to container engine: %w", err)
	}
	defer eng.Close()

	bus, err := connectCloudBus(cfg)
	if err != nil {
		logger.Warn().Err(err).Msg("cloud bus unavailable, running with reconciler and debug socket only")
	}

	rec := reconciler.New(containerStore, eng, busOrNilPublisher(bus), cfg.Containers.MaxRetries, 10*time.Second)
	rec.Start()
	defer rec.Stop()

	var sup *forwarder.Supervisor
	router := events.RegisterStubs(events.NewRouter())
	if bus != nil {
		var relayEndpoint string
		if cfg.AstarteMessageHub != nil {
			relayEndpoint = cfg.AstarteMessageHub.Endpoint
		}
		sup = forwarder.NewSupervisor(relayEndpoint, &http.Client{}, bus)
		router.On(cloudbus.InterfaceForwarderSession, forwarderSessionHandler(sup))

		go func() {
			if err := router.Run(ctx, bus, func(err error) {
				logger.Warn().Err(err).Msg("event routing failed")
			}); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("event router stopped")
			}
		}()
		go publishNetworkInfoPeriodically(ctx, bus)
	}

	network, address := cfg.Service.Listener.Addr()
	if network == "unix" {
		os.Remove(address)
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("listen on control socket %s://%s: %w", network, address, err)
	}
	defer ln.Close()
	logger.Info().Str("network", network).Str("address", address).Msg("control socket listening")

	srv := &debugServer{store: containerStore, reconciler: rec, supervisor: sup}
	go srv.serve(ctx, ln)

	<-ctx.Done()
	if sup != nil {
		sup.Close()
	}
	logger.Info().Msg("shutting down")
	return nil
}

// busOrNilPublisher adapts a possibly-nil cloudbus.Bus to
// reconciler.Publisher without wrapping a nil *Bus in a non-nil interface
// value, which would defeat the Reconciler's own nil check.
func busOrNilPublisher(bus cloudbus.Bus) reconciler.Publisher {
	if bus == nil {
		return nil
	}
	return bus
}

func forwarderSessionHandler(sup *forwarder.Supervisor) events.Handler {
	return func(ctx context.Context, ev cloudbus.DeviceEvent) error {
		req, err := decodeSessionRequest(ev)
		if err != nil {
			return err
		}
		return sup.Start(ctx, req)
	}
}

func decodeSessionRequest(ev cloudbus.DeviceEvent) (forwarder.SessionRequest, error) {
	host, _ := ev.Data.Object["host"].(string)
	port, _ := ev.Data.Object["port"].(int64)
	secure, _ := ev.Data.Object["secure"].(bool)
	token, _ := ev.Data.Object["session_token"].(string)
	if token == "" {
		return forwarder.SessionRequest{}, fmt.Errorf("forwarder session request carries no session_token")
	}
	return forwarder.SessionRequest{Token: token, Host: host, Port: int(port), Secure: secure}, nil
}

func publishNetworkInfoPeriodically(ctx context.Context, bus cloudbus.Bus) {
	logger := log.WithComponent("netinfo")
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	probe := netinfo.SystemProber{}
	publish := func() {
		if err := netinfo.Publish(ctx, bus, probe); err != nil {
			logger.Warn().Err(err).Msg("publish network interfaces failed")
		}
	}

	publish()
	for {
		select {
		case <-ticker.C:
			publish()
		case <-ctx.Done():
			return
		}
	}
}

// connectCloudBus is the seam between this module and the Astarte
// device-sdk/message-hub transport. That transport is explicitly out of
// scope here: wiring it up means choosing and configuring one of
// astarte-device-sdk-go or astarte-message-hub's gRPC client per the
// configured AstarteLibrary, neither of which this module implements.
func connectCloudBus(cfg config.V1) (cloudbus.Bus, error) {
	return nil, fmt.Errorf("cloud bus transport not configured (astarte_library=%q)", cfg.AstarteLibrary)
}

// debugServer executes commands received on the control socket against the
// live store, reconciler, and forwarder supervisor. One connection is one
// command: the client (edgehogctl, via pkg/cli) writes a single line naming
// the command path and its args, and reads the response back until the
// daemon closes its side. dispatch handles a subset of the leaf commands
// pkg/cli.RootCmd builds; containers inspect/logs and deployments
// inspect/start/stop are answered with an "unrecognized command" error.
type debugServer struct {
	store      *containers.Store
	reconciler *reconciler.Reconciler
	supervisor *forwarder.Supervisor
}

func (d *debugServer) serve(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		go d.handleConn(ctx, conn)
	}
}

func (d *debugServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		fmt.Fprintln(conn, "error: empty command")
		return
	}

	if err := d.dispatch(ctx, conn, fields[0], fields[1:]); err != nil {
		fmt.Fprintf(conn, "error: %v\n", err)
	}
}

func (d *debugServer) dispatch(ctx context.Context, out io.Writer, path string, args []string) error {
	switch path {
	case "containers.ps":
		return d.snapshotEach(ctx, func(s *containers.Snapshot) {
			for _, c := range s.Containers {
				fmt.Fprintf(out, "%s\t%s\n", c.ID, c.Status)
			}
		})
	case "deployments.ps":
		return d.snapshotEach(ctx, func(s *containers.Snapshot) {
			for _, dep := range s.Deployments {
				fmt.Fprintf(out, "%s\t%s\n", dep.ID, dep.Status)
			}
		})
	case "images.ps":
		return d.snapshotEach(ctx, func(s *containers.Snapshot) {
			for _, img := range s.Images {
				fmt.Fprintf(out, "%s\t%s\t%s\n", img.ID, img.Status, img.Reference)
			}
		})
	case "networks.ps":
		return d.snapshotEach(ctx, func(s *containers.Snapshot) {
			for _, n := range s.Networks {
				fmt.Fprintf(out, "%s\t%s\n", n.ID, n.Status)
			}
		})
	case "volumes.ps":
		return d.snapshotEach(ctx, func(s *containers.Snapshot) {
			for _, v := range s.Volumes {
				fmt.Fprintf(out, "%s\t%s\n", v.ID, v.Status)
			}
		})
	case "forwarder.sessions":
		if d.supervisor == nil {
			fmt.Fprintln(out, "forwarder is not running (no cloud bus connection)")
			return nil
		}
		for _, token := range d.supervisor.Sessions() {
			fmt.Fprintln(out, token)
		}
		return nil
	case "forwarder.stop":
		if d.supervisor == nil {
			return fmt.Errorf("forwarder is not running (no cloud bus connection)")
		}
		if len(args) != 1 {
			return fmt.Errorf("usage: forwarder stop <token>")
		}
		d.supervisor.Stop(args[0])
		return nil
	case "containers.rm":
		id, err := parseUUIDArg(args)
		if err != nil {
			return err
		}
		return d.reconciler.RemoveContainer(ctx, id)
	case "deployments.rm":
		id, err := parseUUIDArg(args)
		if err != nil {
			return err
		}
		return d.reconciler.RemoveDeployment(ctx, id)
	case "networks.rm":
		id, err := parseUUIDArg(args)
		if err != nil {
			return err
		}
		return d.reconciler.RemoveNetwork(ctx, id)
	case "volumes.rm":
		id, err := parseUUIDArg(args)
		if err != nil {
			return err
		}
		return d.reconciler.RemoveVolume(ctx, id)
	case "reconcile":
		return d.reconciler.RunOnce(ctx)
	case "version":
		fmt.Fprintln(out, cli.VersionCommit())
		return nil
	default:
		return fmt.Errorf("unrecognized command %q", path)
	}
}

func (d *debugServer) snapshotEach(ctx context.Context, fn func(*containers.Snapshot)) error {
	snap, err := d.store.Snapshot(ctx)
	if err != nil {
		return err
	}
	fn(snap)
	return nil
}

func parseUUIDArg(args []string) (uuid.UUID, error) {
	if len(args) != 1 {
		return uuid.UUID{}, fmt.Errorf("expected exactly one uuid argument")
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("invalid uuid %q: %w", args[0], err)
	}
	return id, nil
}
