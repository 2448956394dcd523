// Command mcu-image-tool builds and inspects flash-image containers
// (§3, §4.6).
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rotmcu/corefw/flash"
	"github.com/rotmcu/corefw/internal/boardconfig"
)

var verbose bool

func configureLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func main() {
	root := &cobra.Command{
		Use:   "mcu-image-tool",
		Short: "Build and inspect MCU flash-image containers",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			configureLogging()
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	var rawIdentifiers []string
	var inputs []string
	buildCmd := &cobra.Command{
		Use:   "build <output>",
		Short: "Pack raw image blobs into a flash-image container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			identifiers, err := parseIdentifiers(rawIdentifiers)
			if err != nil {
				return err
			}
			return runBuild(args[0], identifiers, inputs)
		},
	}
	buildCmd.Flags().StringSliceVar(&rawIdentifiers, "id", nil, "image identifier (hex or decimal), one per --in, in order")
	buildCmd.Flags().StringSliceVar(&inputs, "in", nil, "input blob path, one per --id, in order")

	inspectCmd := &cobra.Command{
		Use:   "inspect <image>",
		Short: "Decode a flash-image container and print its descriptors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(args[0])
		},
	}

	var boardPath string
	partitionsCmd := &cobra.Command{
		Use:   "partitions",
		Short: "List the partitions defined by a board descriptor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPartitions(boardPath)
		},
	}
	partitionsCmd.Flags().StringVar(&boardPath, "board", "", "board YAML descriptor path")
	partitionsCmd.MarkFlagRequired("board")

	root.AddCommand(buildCmd, inspectCmd, partitionsCmd)
	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func parseIdentifiers(raw []string) ([]uint32, error) {
	ids := make([]uint32, len(raw))
	for i, s := range raw {
		v, err := strconv.ParseUint(s, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("--id %q: %w", s, err)
		}
		ids[i] = uint32(v)
	}
	return ids, nil
}

func runBuild(output string, identifiers []uint32, inputs []string) error {
	if len(identifiers) != len(inputs) {
		return fmt.Errorf("--id and --in must be given the same number of times (%d vs %d)", len(identifiers), len(inputs))
	}

	img := &flash.Image{Version: flash.ImageVersion}
	for i, id := range identifiers {
		blob, err := os.ReadFile(inputs[i])
		if err != nil {
			return fmt.Errorf("read %s: %w", inputs[i], err)
		}
		img.Descriptors = append(img.Descriptors, flash.Descriptor{Identifier: id, Size: uint32(len(blob))})
		img.Payloads = append(img.Payloads, blob)
		slog.Debug("added image", "identifier", id, "size", len(blob))
	}

	buf, err := flash.Encode(img)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if err := os.WriteFile(output, buf, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", output, err)
	}
	slog.Info("wrote flash image", "path", output, "images", len(img.Descriptors), "bytes", len(buf))
	return nil
}

func runInspect(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	img, err := flash.Decode(buf)
	if err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	fmt.Printf("version=%d images=%d\n", img.Version, len(img.Descriptors))
	for i, d := range img.Descriptors {
		fmt.Printf("  [%d] identifier=0x%x offset=0x%x size=%d\n", i, d.Identifier, d.Offset, d.Size)
	}
	return nil
}

func runPartitions(boardPath string) error {
	cfg, err := boardconfig.Load(boardPath)
	if err != nil {
		return err
	}
	for _, p := range cfg.Partitions {
		fmt.Printf("%-16s offset=0x%08x size=0x%08x\n", p.Name, p.Offset, p.Size)
	}
	return nil
}
