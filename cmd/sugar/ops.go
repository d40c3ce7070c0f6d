package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/sugar-network/sugar/internal/cache"
	"github.com/sugar-network/sugar/internal/db"
)

// callNode posts a command to a running node and prints its reply.
func callNode(cmd *cobra.Command, method, command string, body io.Reader, contentType string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyString(cmd, "api-url", &cfg.API)

	req, err := http.NewRequestWithContext(cmd.Context(), method, cfg.API+"/?cmd="+command, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s answered %s: %s", cfg.API, resp.Status, payload)
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err == nil {
		pretty, _ := json.MarshalIndent(doc, "", "  ")
		fmt.Println(string(pretty))
	} else {
		os.Stdout.Write(payload)
	}
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print node status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return callNode(cmd, http.MethodGet, "status", nil, "")
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Trigger replication",
}

var syncOnlineCmd = &cobra.Command{
	Use:   "online",
	Short: "Run one pull/push cycle against the master",
	RunE: func(cmd *cobra.Command, args []string) error {
		return callNode(cmd, http.MethodPost, "online_sync", nil, "")
	},
}

var syncOfflineCmd = &cobra.Command{
	Use:   "offline PATH",
	Short: "Exchange sneakernet packets with a media directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		body, err := json.Marshal(map[string]string{"path": path})
		if err != nil {
			return err
		}
		return callNode(cmd, http.MethodPost, "offline_sync",
			bytes.NewReader(body), "application/json")
	},
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Drop expired tombstones, orphan blobs and stale releases",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		applyString(cmd, "root", &cfg.Root)
		minAge, _ := cmd.Flags().GetDuration("min-age")

		vol, err := db.OpenVolume(cfg.Root, nil)
		if err != nil {
			return err
		}
		defer vol.Close()
		report, err := vol.GC(cmd.Context(), minAge)
		if err != nil {
			return err
		}
		fmt.Printf("tombstones: %d\nblobs: %d\n", report.Tombstones, report.Blobs)

		releases := filepath.Join(cfg.Root, "releases")
		if _, err := os.Stat(releases); err == nil {
			pool, err := cache.OpenPool(cache.PoolOptions{
				Root:         releases,
				LimitBytes:   cfg.Cache.LimitBytes,
				LimitPercent: cfg.Cache.LimitPercent,
				Lifetime:     time.Duration(cfg.Cache.LifetimeDays) * 24 * time.Hour,
			})
			if err != nil {
				return err
			}
			if err := pool.Recycle(); err != nil {
				return err
			}
			fmt.Printf("release pool: %d bytes\n", pool.DU())
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().String("api-url", "", "Node API URL")
	rootCmd.AddCommand(statusCmd)

	syncOnlineCmd.Flags().String("api-url", "", "Slave node API URL")
	syncOfflineCmd.Flags().String("api-url", "", "Slave node API URL")
	syncCmd.AddCommand(syncOnlineCmd)
	syncCmd.AddCommand(syncOfflineCmd)
	rootCmd.AddCommand(syncCmd)

	gcCmd.Flags().String("root", "", "Volume root directory")
	gcCmd.Flags().Duration("min-age", 30*24*time.Hour, "Tombstone age before disposal")
	rootCmd.AddCommand(gcCmd)
}
