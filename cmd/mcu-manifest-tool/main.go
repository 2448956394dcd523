// Command mcu-manifest-tool inspects and verifies a SoC Authorization
// Manifest's PKCS#7 envelope (§4.8, §6).
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/rotmcu/corefw/manifest"
)

var verbose bool

func main() {
	root := &cobra.Command{
		Use:   "mcu-manifest-tool",
		Short: "Inspect and verify SoC Authorization Manifests",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	var signed bool
	inspectCmd := &cobra.Command{
		Use:   "inspect <manifest>",
		Short: "Decode a manifest and print its per-image metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(args[0], signed)
		},
	}
	inspectCmd.Flags().BoolVar(&signed, "signed", false, "unwrap a PKCS#7 envelope before decoding")

	verifyCmd := &cobra.Command{
		Use:   "verify <manifest>",
		Short: "Verify a manifest's PKCS#7 envelope signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(args[0])
		},
	}

	root.AddCommand(inspectCmd, verifyCmd)
	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func runInspect(path string, signed bool) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if signed {
		buf, err = manifest.VerifyEnvelope(buf)
		if err != nil {
			return err
		}
	}
	m, err := manifest.Decode(buf)
	if err != nil {
		return fmt.Errorf("decode manifest: %w", err)
	}
	fmt.Printf("version=%d images=%d\n", m.Version, len(m.Images))
	for _, img := range m.Images {
		fmt.Printf("  identifier=0x%x load_addr=0x%x auth=%d digest=%x\n",
			img.Identifier, img.LoadAddr, img.Auth, img.Digest[:8])
	}
	return nil
}

func runVerify(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if _, err := manifest.VerifyEnvelope(buf); err != nil {
		return fmt.Errorf("envelope verification failed: %w", err)
	}
	slog.Info("envelope signature verified", "path", path)
	return nil
}
