// Command apksigner is a thin operational front-end over the apksigner
// library: sign an APK, generate a throwaway certificate, or dump the
// pre-patch hash cache of an already-signed APK.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/timfenton/questpatcher/apksigner"
	"github.com/timfenton/questpatcher/internal/buildinfo"
	"github.com/timfenton/questpatcher/internal/config"
)

var (
	argLogLevel   string
	argConfigPath string
)

var rootCmd = &cobra.Command{
	Use:           "apksigner",
	Short:         "Sign Android APKs with the JAR v1 + APK Signature Scheme v2 core",
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       buildinfo.Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.ReadFile(argConfigPath)
		if err != nil {
			return err
		}
		if argLogLevel == "" {
			argLogLevel = cfg.LogLevel
		}
		if argLogLevel == "" {
			argLogLevel = "info"
		}
		if argCertPEM == "" {
			argCertPEM = cfg.CertPath
		}
		return setupLogging(argLogLevel)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&argLogLevel, "log-level", "", "Log level (debug, info, warn, error); default from config or info")
	rootCmd.PersistentFlags().StringVar(&argConfigPath, "config", "apksigner.yaml", "Path to an optional YAML defaults file")
	rootCmd.AddCommand(signCmd, genCertCmd, collectHashesCmd)
}

// setupLogging initializes zerolog with a console writer, mirroring the
// teacher's SetupLogging: pretty text to stderr, JSON is not offered here
// since this is a one-shot CLI, not a long-running server.
func setupLogging(levelName string) error {
	zerolog.TimeFieldFormat = "15:04:05"
	log.Logger = log.Logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		return fmt.Errorf("log-level: %w", err)
	}
	log.Logger = log.Logger.Level(level)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	argCertPEM string
	argInPath  string
)

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Sign an APK in place",
	RunE: func(cmd *cobra.Command, args []string) error {
		known, err := apksigner.CollectPrePatchHashes(argInPath)
		if err != nil {
			log.Warn().Err(err).Msg("could not collect pre-patch hashes, doing a full rehash")
		}
		if argCertPEM == "" {
			log.Info().Str("apk", argInPath).Msg("signing with builtin certificate")
			return apksigner.SignAPKWithBuiltinCert(argInPath, known)
		}
		pemText, err := os.ReadFile(argCertPEM)
		if err != nil {
			return fmt.Errorf("reading %s: %w", argCertPEM, err)
		}
		log.Info().Str("apk", argInPath).Str("cert", argCertPEM).Msg("signing")
		return apksigner.SignAPK(argInPath, pemText, known)
	},
}

var genCertCmd = &cobra.Command{
	Use:   "gen-cert",
	Short: "Generate a fresh self-signed RSA-2048 certificate and key, PEM-encoded, to stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		pem, err := apksigner.GenerateNewCertificatePEM()
		if err != nil {
			return err
		}
		fmt.Print(pem)
		return nil
	},
}

var collectHashesCmd = &cobra.Command{
	Use:   "collect-hashes",
	Short: "Print the entry names found in an APK's existing MANIFEST.MF",
	RunE: func(cmd *cobra.Command, args []string) error {
		hashes, err := apksigner.CollectPrePatchHashes(argInPath)
		if err != nil {
			return err
		}
		if hashes == nil {
			fmt.Println("no usable manifest found")
			return nil
		}
		for name, h := range hashes {
			fmt.Printf("%s  %s\n", h.DigestB64, name)
		}
		return nil
	},
}

func init() {
	signCmd.Flags().StringVar(&argCertPEM, "cert", "", "Path to a PEM certificate+key (omit to use the builtin certificate)")
	signCmd.Flags().StringVar(&argInPath, "in", "", "Path to the APK to sign")
	signCmd.MarkFlagRequired("in")

	collectHashesCmd.Flags().StringVar(&argInPath, "in", "", "Path to the APK to read")
	collectHashesCmd.MarkFlagRequired("in")
}
