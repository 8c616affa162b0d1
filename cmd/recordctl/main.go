package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/spf13/cobra"

	"github.com/medrex/emr-ledger/internal/app"
	"github.com/medrex/emr-ledger/pkg/config"
	"github.com/medrex/emr-ledger/pkg/logger"
)

const version = "2.0.0"

// offline marks commands that need neither configuration nor a runtime
const offline = "offline"

var (
	configPath string
	logLevel   string
	confirm    bool
	rt         *app.Runtime

	stdin = bufio.NewReader(os.Stdin)
)

var rootCmd = &cobra.Command{
	Use:           "recordctl",
	Short:         "Medical records ledger client",
	Long:          "Publish, retrieve and share encrypted medical records indexed on an EVM ledger.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations[offline] == "true" {
			return nil
		}

		cfg, err := config.LoadFrom(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}

		// Logs go to stderr so stdout carries only results
		log := logger.NewWithOutput(cfg.LogLevel, os.Stderr)
		var opts []app.Option
		if confirm {
			opts = append(opts, app.WithSignatureConfirmation(promptSignature))
		}
		rt, err = app.Build(cmd.Context(), "recordctl", version, cfg, log, opts...)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
	rootCmd.PersistentFlags().BoolVar(&confirm, "confirm", false, "Ask before the wallet signs each transaction")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if rt != nil {
		rt.Close(context.Background())
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// printJSON writes v to stdout and passes err through, so a flow's partial
// result is still shown when it fails
func printJSON(v interface{}, err error) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(v); encErr != nil {
		return encErr
	}
	return err
}

func parseAddress(value, name string) (common.Address, error) {
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("invalid %s address: %q", name, value)
	}
	return common.HexToAddress(value), nil
}

// promptSignature asks on the terminal before a transaction is signed.
// Anything but an explicit yes declines.
func promptSignature(tx *ethtypes.Transaction) bool {
	to := "new contract"
	if tx.To() != nil {
		to = tx.To().Hex()
	}
	fmt.Fprintf(os.Stderr, "Sign transaction to %s (nonce %d, gas %d)? [y/N] ", to, tx.Nonce(), tx.Gas())

	answer, err := stdin.ReadString('\n')
	if err != nil && answer == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}
