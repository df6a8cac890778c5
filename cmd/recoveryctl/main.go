// cmd/recoveryctl is the Cobra-based admin CLI for a replicacore cluster.
//
// Usage:
//
//	recoveryctl state get products                --etcd localhost:2379
//	recoveryctl versions http://localhost:8080 -n 50
//	recoveryctl fingerprint http://localhost:8080 --max-version 9223372036854775807
//	recoveryctl prep http://localhost:8080 follower_core leader_core
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"replicacore/internal/coordstore"
	"replicacore/internal/election"
	"replicacore/internal/runtime"
	"replicacore/internal/wireserver"
)

var (
	etcdEndpoints string
	timeout       time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "recoveryctl",
		Short: "Admin CLI for a replicacore cluster",
	}

	root.PersistentFlags().StringVar(&etcdEndpoints, "etcd", "localhost:2379", "coordination store endpoint")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(stateCmd(), versionsCmd(), fingerprintCmd(), updatesCmd(), prepCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func quietLog() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger.WithField("component", "recoveryctl")
}

// ─── state ──────────────────────────────────────────────────────────────────

func stateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect cluster-state documents in the coordination store",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <collection>",
		Short: "Print a collection's full document and its live state-updates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := coordstore.Open(strings.Split(etcdEndpoints, ","), timeout, quietLog())
			if err != nil {
				return err
			}
			defer store.Close()

			src := coordstore.NewClusterStateSource(store, quietLog())
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			doc, err := src.FetchFullDoc(ctx, args[0])
			if err != nil {
				return err
			}
			delta, err := src.FetchStateUpdates(ctx, args[0])
			if err != nil {
				return err
			}
			prettyPrint(map[string]any{"document": doc, "stateUpdates": delta})
			return nil
		},
	})

	return cmd
}

// ─── versions / fingerprint / updates (talk to a node's wire protocol) ──────

func versionsCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "versions <node-base-url>",
		Short: "Fetch a node's recent versions and fingerprint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := wireserver.NewClient(runtime.New("recoveryctl"), args[0], timeout)
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			versions, fp, err := client.RecentVersionsAndFingerprint(ctx, n)
			if err != nil {
				return err
			}
			prettyPrint(map[string]any{"versions": versions, "fingerprint": fp})
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 100, "number of recent versions to request")
	return cmd
}

func fingerprintCmd() *cobra.Command {
	var maxVersion int64
	cmd := &cobra.Command{
		Use:   "fingerprint <node-base-url>",
		Short: "Fetch a node's fingerprint at a given version cutoff",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := wireserver.NewClient(runtime.New("recoveryctl"), args[0], timeout)
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			fp, err := client.GetFingerprint(ctx, maxVersion)
			if err != nil {
				return err
			}
			prettyPrint(fp)
			return nil
		},
	}
	cmd.Flags().Int64Var(&maxVersion, "max-version", fingerprintAtHead, "version cutoff (default: at head)")
	return cmd
}

func updatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "updates <node-base-url> <versionSpec>",
		Short: "Fetch specific updates from a node by version list or range spec (e.g. 10,12 or 1..100)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := wireserver.NewClient(runtime.New("recoveryctl"), args[0], timeout)
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			spec := wireserver.ParseVersionSpec(args[1])
			updates, err := client.GetUpdates(ctx, spec)
			if err != nil {
				return err
			}
			prettyPrint(updates)
			return nil
		},
	}
	return cmd
}

// ─── prep ───────────────────────────────────────────────────────────────────

func prepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prep <leader-base-url> <follower-core> <leader-core>",
		Short: "Manually issue a PREPRECOVERY request against a leader",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := election.NewPrepRecoveryClient(runtime.New("recoveryctl"))
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			ok, err := client.PrepRecovery(ctx, args[0], args[1], args[2])
			if err != nil {
				return err
			}
			fmt.Println("success:", ok)
			return nil
		},
	}
}

// ─── helpers ────────────────────────────────────────────────────────────────

const fingerprintAtHead = int64(1<<63 - 1)

func prettyPrint(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(data))
}
