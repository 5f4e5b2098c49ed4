// Command rohccli drives a ROHC compressor from the command line: it reads
// uncompressed IP packets from a hex-dump trace, compresses them and prints
// per-packet and aggregate results.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "rohccli",
	Short: "rohccli - RObust Header Compression (ROHC) compressor tool",
	Long: `rohccli feeds uncompressed IP packets through a ROHC compressor
(RFC 3095, RFC 3843, RFC 4019) and reports the compressed output.

Input traces are text files with one hex-encoded packet per line;
lines starting with '#' are ignored.`,
	Version: "0.1.0",
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (default ./rohccli.yaml when present)")

	rootCmd.AddCommand(compressCmd)
	rootCmd.AddCommand(profilesCmd)
}

// exitWithError prints an error message and exits with code 1.
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
