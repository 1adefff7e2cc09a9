// SPDX-License-Identifier: MIT

package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/lightbus/lightbus/bus"
	"github.com/lightbus/lightbus/internal/version"
	"github.com/lightbus/lightbus/message"
)

// shellCmd opens a line-based interactive client:
//
//	call api.method {"k": 1}
//	fire api.event {"k": 1}
//	apis
//	exit
func shellCmd(args []string) int {
	fs := flag.NewFlagSet("shell", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file (YAML)")
	timeout := fs.Duration("timeout", 9*time.Second, "rpc timeout")
	_ = fs.Parse(args)

	cfg, code := loadConfig(*configPath)
	if code != exitOK {
		return code
	}

	tr, err := buildTransports(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lightbus: %v\n", err)
		return exitTransport
	}

	ctx, cancel, interrupted := signalContext()
	defer cancel()

	client := bus.New(tr, cfg.Settings())
	if err := client.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "lightbus: %v\n", err)
		return exitTransport
	}
	defer func() { _ = client.Stop(ctx) }()

	fmt.Printf("lightbus shell %s: call <api.member> <json>, fire <api.member> <json>, apis, exit\n", version.Version)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 3)
		switch fields[0] {
		case "exit", "quit":
			return exitOK
		case "apis":
			for _, name := range client.Schemas().RemoteNames() {
				fmt.Println(name)
			}
		case "call", "fire":
			if len(fields) < 2 {
				fmt.Println("usage: call|fire <api.member> [json kwargs]")
				continue
			}
			apiName, member, err := message.SplitAddress(fields[1])
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			kwargs := map[string]any{}
			if len(fields) == 3 {
				if err := json.Unmarshal([]byte(fields[2]), &kwargs); err != nil {
					fmt.Printf("error: invalid kwargs: %v\n", err)
					continue
				}
			}
			if fields[0] == "call" {
				result, err := client.Call(ctx, apiName, member, kwargs, bus.CallOptions{Timeout: *timeout})
				if err != nil {
					fmt.Printf("error: %v\n", err)
					continue
				}
				rendered, _ := json.MarshalIndent(result, "", "  ")
				fmt.Println(string(rendered))
			} else {
				if err := client.Fire(ctx, apiName, member, kwargs, bus.FireOptions{}); err != nil {
					fmt.Printf("error: %v\n", err)
					continue
				}
				fmt.Println("ok")
			}
		default:
			fmt.Printf("unknown command %q\n", fields[0])
		}
	}
	if *interrupted {
		return exitInterrupt
	}
	return exitOK
}
