package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hupe1980/meshpool"
)

var (
	// Global flags
	verbose bool
	jsonOut bool
	cfgPath string
)

var rootCmd = &cobra.Command{
	Use:   "meshstress",
	Short: "Stress the meshpool slab allocator",
	Long: `meshstress packs synthetic chunk geometry on a pool of workers while a
render loop flushes, draws and releases it, the way a voxel renderer would.
It runs on a host-memory device and prints pool statistics when done.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "TOML file with pool settings")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newLogger() *meshpool.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	if jsonOut {
		return meshpool.NewJSONLogger(level)
	}
	return meshpool.NewTextLogger(level)
}

func loadConfig() (meshpool.Config, error) {
	if cfgPath == "" {
		return meshpool.DefaultConfig(), nil
	}
	return meshpool.LoadConfig(cfgPath)
}

func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
