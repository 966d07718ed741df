package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ioustamora/datamesh/internal/config"
)

var storeCmd = &cobra.Command{
	Use:   "store [file-path]",
	Short: "Encrypt, erasure-code, and publish a file to the network",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		filePath := args[0]
		name, _ := cmd.Flags().GetString("name")
		recipient, _ := cmd.Flags().GetString("recipient")
		tagsRaw, _ := cmd.Flags().GetString("tags")

		if name == "" {
			name = filepath.Base(filePath)
		}
		if recipient == "" {
			recipient = identityKey
		}

		data, err := os.ReadFile(filePath)
		if err != nil {
			fmt.Printf("Error reading file: %v\n", err)
			return
		}

		var tags []string
		if tagsRaw != "" {
			tags = strings.Split(tagsRaw, ",")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		entry, err := cmdCtx.StoreFile(ctx, name, filepath.Base(filePath), data, recipient, tags)
		if err != nil {
			fmt.Printf("Error storing file: %v\n", err)
			return
		}
		fmt.Printf("Stored %q as content key %s (%d/%d shards healthy)\n", entry.Name, entry.ContentKey, entry.HealthyShards, entry.TotalShards)
	},
}

var retrieveCmd = &cobra.Command{
	Use:   "retrieve [name] [output-path]",
	Short: "Fetch, reconstruct, and decrypt a stored file",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		name, outputPath := args[0], args[1]
		keyName, _ := cmd.Flags().GetString("key")
		if keyName == "" {
			keyName = identityKey
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		data, err := cmdCtx.RetrieveFile(ctx, name, keyName)
		if err != nil {
			fmt.Printf("Error retrieving file: %v\n", err)
			return
		}

		if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
			fmt.Printf("Error creating output directory: %v\n", err)
			return
		}
		if err := os.WriteFile(outputPath, data, 0o600); err != nil {
			fmt.Printf("Error writing file: %v\n", err)
			return
		}
		fmt.Printf("Retrieved %q -> %s\n", name, outputPath)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalog entries, optionally filtered by tag",
	Run: func(cmd *cobra.Command, args []string) {
		tagsRaw, _ := cmd.Flags().GetString("tags")
		var tags []string
		if tagsRaw != "" {
			tags = strings.Split(tagsRaw, ",")
		}

		entries, err := cmdCtx.ListFiles(tags)
		if err != nil {
			fmt.Printf("Error listing files: %v\n", err)
			return
		}
		if len(entries) == 0 {
			fmt.Println("No files found")
			return
		}
		for _, e := range entries {
			fmt.Printf("  %s  %d bytes  %d/%d shards  %s\n", e.Name, e.Size, e.HealthyShards, e.TotalShards, e.UploadedAt.Format(time.RFC3339))
		}
	},
}

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search the catalog by name, original filename, or tag",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		useRegex, _ := cmd.Flags().GetBool("regex")
		entries, err := cmdCtx.SearchFiles(args[0], useRegex)
		if err != nil {
			fmt.Printf("Error searching: %v\n", err)
			return
		}
		for _, e := range entries {
			fmt.Printf("  %s  %d bytes\n", e.Name, e.Size)
		}
	},
}

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Dial configured bootstrap peers and join the DHT",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := cmdCtx.Bootstrap(ctx); err != nil {
			fmt.Printf("Error bootstrapping: %v\n", err)
			return
		}
		fmt.Println("Bootstrap complete")
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show network, catalog, and economy statistics",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		net, err := cmdCtx.GetNetworkStats(ctx)
		if err != nil {
			fmt.Printf("Error fetching network stats: %v\n", err)
		} else {
			fmt.Printf("Network: state=%s peers=%d routing_table=%d in_flight=%d\n",
				net.State, net.ConnectedPeers, net.RoutingTableSize, net.InFlightQueries)
		}

		catStats, err := cmdCtx.Stats()
		if err != nil {
			fmt.Printf("Error fetching catalog stats: %v\n", err)
		} else {
			fmt.Printf("Catalog: files=%d bytes=%d avg_health=%.2f\n", catStats.FileCount, catStats.TotalBytes, catStats.AverageHealth)
		}

		if econ, ok := cmdCtx.EconomyStatistics(); ok {
			fmt.Printf("Economy: users=%d free=%d contributor=%d premium=%d enterprise=%d used_bytes=%d\n",
				econ.TotalUsers, econ.FreeUsers, econ.ContributorUsers, econ.PremiumUsers, econ.EnterpriseUsers, econ.TotalUsedBytes)
		}
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen [name]",
	Short: "Generate a new keypair under the configured keys directory",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		keys, err := config.NewKeyManager(cfg.Storage.KeysDir)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		kf, err := keys.Generate(args[0])
		if err != nil {
			fmt.Printf("Error generating key: %v\n", err)
			return
		}
		fmt.Printf("Generated key %q: public=%s\n", kf.Name, kf.PublicKeyHex)
	},
}

func init() {
	storeCmd.Flags().String("name", "", "catalog name to store under (default: source filename)")
	storeCmd.Flags().String("recipient", "", "name of the recipient key file (default: this node's identity)")
	storeCmd.Flags().String("tags", "", "comma-separated tags")
	retrieveCmd.Flags().String("key", "", "name of the private key file to decrypt with (default: this node's identity)")
	listCmd.Flags().String("tags", "", "comma-separated tags to filter by")
	searchCmd.Flags().Bool("regex", false, "treat query as a regular expression")
}
