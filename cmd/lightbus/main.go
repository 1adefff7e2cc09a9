// SPDX-License-Identifier: MIT

// Command lightbus is the bus worker front-end: it runs a configured bus
// client, inspects published schemas, opens an interactive shell, and
// emits the configuration schema.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lightbus/lightbus/bus"
	"github.com/lightbus/lightbus/config"
	xlog "github.com/lightbus/lightbus/internal/log"
	"github.com/lightbus/lightbus/internal/version"
	"github.com/lightbus/lightbus/transport/memorytransport"
	"github.com/lightbus/lightbus/transport/redistransport"
)

// Exit codes per the CLI contract.
const (
	exitOK        = 0
	exitConfig    = 1
	exitTransport = 2
	exitInterrupt = 130
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "run":
			os.Exit(runCmd(os.Args[2:]))
		case "inspect":
			os.Exit(inspectCmd(os.Args[2:]))
		case "shell":
			os.Exit(shellCmd(os.Args[2:]))
		case "dumpconfigschema":
			os.Exit(dumpConfigSchemaCmd(os.Args[2:]))
		}
	}

	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		os.Exit(exitOK)
	}
	usage()
	os.Exit(exitConfig)
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: lightbus <command> [flags]

Commands:
  run                start a bus worker on the loaded configuration
  inspect            list APIs and their schemas published on the bus
  shell              open an interactive bus client
  dumpconfigschema   emit the JSON schema of the configuration file

Flags:
  -version           print version and exit
`)
}

// signalContext returns a context cancelled on SIGINT/SIGTERM and a flag
// that records whether a signal fired.
func signalContext() (context.Context, context.CancelFunc, *bool) {
	interrupted := new(bool)
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			*interrupted = true
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(ch)
	}()
	return ctx, cancel, interrupted
}

func loadConfig(path string) (config.Config, int) {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lightbus: %v\n", err)
		return cfg, exitConfig
	}
	xlog.Configure(xlog.Config{Level: cfg.LogLevel, Service: cfg.Service})
	xlog.SetLevel(cfg.LogLevel)
	return cfg, exitOK
}

// buildTransports assembles the client transports per the configured
// selection. All memory transports share one in-process broker.
func buildTransports(cfg config.Config) (bus.Transports, error) {
	var redisBundle *redistransport.Bundle
	var memoryBundle *memorytransport.Bundle

	pick := func(kind config.TransportKind) (*redistransport.Bundle, *memorytransport.Bundle, error) {
		if kind == config.TransportMemory {
			if memoryBundle == nil {
				memoryBundle = memorytransport.NewBundle(memorytransport.NewBroker())
			}
			return nil, memoryBundle, nil
		}
		if redisBundle == nil {
			bundle, err := redistransport.NewBundle(cfg.RedisTransportConfig())
			if err != nil {
				return nil, nil, err
			}
			redisBundle = bundle
		}
		return redisBundle, nil, nil
	}

	var tr bus.Transports
	if rb, mb, err := pick(cfg.Transports.Rpc); err != nil {
		return tr, err
	} else if rb != nil {
		tr.Rpc = rb.Rpc
	} else {
		tr.Rpc = mb.Rpc
	}
	if rb, mb, err := pick(cfg.Transports.Result); err != nil {
		return tr, err
	} else if rb != nil {
		tr.Result = rb.Result
	} else {
		tr.Result = mb.Result
	}
	if rb, mb, err := pick(cfg.Transports.Event); err != nil {
		return tr, err
	} else if rb != nil {
		tr.Event = rb.Event
	} else {
		tr.Event = mb.Event
	}
	if rb, mb, err := pick(cfg.Transports.Schema); err != nil {
		return tr, err
	} else if rb != nil {
		tr.Schema = rb.Schema
	} else {
		tr.Schema = mb.Schema
	}
	return tr, nil
}
