// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
)

func inspectCmd(args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file (YAML)")
	apiName := fs.String("api", "", "only show the named API")
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

	ctx, cancel, _ := signalContext()
	defer cancel()

	if err := tr.Schema.Open(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "lightbus: %v\n", err)
		return exitTransport
	}
	defer func() { _ = tr.Schema.Close(ctx) }()

	schemas, err := tr.Schema.LoadAll(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lightbus: %v\n", err)
		return exitTransport
	}

	names := make([]string, 0, len(schemas))
	for name := range schemas {
		if *apiName != "" && name != *apiName {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	if len(names) == 0 {
		fmt.Println("no schemas published on the bus")
		return exitOK
	}
	for _, name := range names {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, schemas[name], "  ", "  "); err != nil {
			fmt.Printf("%s: <invalid schema: %v>\n", name, err)
			continue
		}
		fmt.Printf("%s:\n  %s\n", name, pretty.String())
	}
	return exitOK
}
