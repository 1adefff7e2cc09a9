// SPDX-License-Identifier: MIT

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/google/renameio/v2"

	"github.com/lightbus/lightbus/config"
)

func dumpConfigSchemaCmd(args []string) int {
	fs := flag.NewFlagSet("dumpconfigschema", flag.ExitOnError)
	output := fs.String("o", "", "write the schema to this file instead of stdout")
	_ = fs.Parse(args)

	raw, err := config.Schema()
	if err != nil {
		fmt.Fprintf(os.Stderr, "lightbus: %v\n", err)
		return exitConfig
	}
	raw = append(raw, '\n')

	if *output == "" {
		_, _ = os.Stdout.Write(raw)
		return exitOK
	}
	if err := renameio.WriteFile(*output, raw, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "lightbus: %v\n", err)
		return exitConfig
	}
	return exitOK
}
