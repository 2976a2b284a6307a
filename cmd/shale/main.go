// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package main

import (
	"log"
	"os"

	"github.com/shaledb/shale/tool"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "shale [command] (flags)",
	Short: "shale introspection tool",
	Long: `
Offline tools for shale catalogs: dump and check manifests, inspect tables,
and execute service compaction jobs.
`,
}

func main() {
	log.SetFlags(0)

	cobra.EnableCommandSorting = false
	t := tool.New()
	rootCmd.AddCommand(t.Commands...)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
