package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sugar-network/sugar/internal/auth"
	"github.com/sugar-network/sugar/internal/cache"
	"github.com/sugar-network/sugar/internal/client"
	"github.com/sugar-network/sugar/internal/db"
	"github.com/sugar-network/sugar/internal/node"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Serve the catalog API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		applyString(cmd, "root", &cfg.Root)
		applyString(cmd, "listen", &cfg.Node.Listen)
		applyString(cmd, "master", &cfg.Node.Master)
		applyString(cmd, "guid", &cfg.GUID)

		vol, err := db.OpenVolume(cfg.Root, nil)
		if err != nil {
			return err
		}
		defer vol.Close()

		var perms *auth.Permissions
		if cfg.Node.Permissions != "" {
			if perms, err = auth.OpenPermissions(cfg.Node.Permissions); err != nil {
				return err
			}
			defer perms.Close()
		}
		n := node.New(vol, node.Options{
			GUID:     cfg.GUID,
			Master:   cfg.Node.Master,
			Verifier: auth.NewVerifier(vol, perms),
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		log.Printf("sugar: node listen=%s mode=%s root=%s", cfg.Node.Listen, n.Mode(), cfg.Root)
		return serve(ctx, &http.Server{Addr: cfg.Node.Listen, Handler: n.Handler()})
	},
}

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Run the shell-facing daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		applyString(cmd, "api-url", &cfg.API)
		applyString(cmd, "local-root", &cfg.Root)
		applyInt(cmd, "ipc-port", &cfg.Client.IPCPort)

		home, err := db.OpenVolume(cfg.Root, nil)
		if err != nil {
			return err
		}
		defer home.Close()

		pool, err := cache.OpenPool(cache.PoolOptions{
			Root:         filepath.Join(cfg.Root, "releases"),
			LimitBytes:   cfg.Cache.LimitBytes,
			LimitPercent: cfg.Cache.LimitPercent,
			Lifetime:     time.Duration(cfg.Cache.LifetimeDays) * 24 * time.Hour,
		})
		if err != nil {
			return err
		}
		inj, err := cache.NewInjector(cfg.Root, pool,
			&cache.VolumeSource{Vol: home, URL: cfg.API}, nil)
		if err != nil {
			return err
		}
		c := client.New(home, client.Options{
			API:              cfg.API,
			GUID:             cfg.GUID,
			Injector:         inj,
			SyncTimeout:      time.Duration(cfg.Client.SyncTimeout) * time.Second,
			ReconnectTimeout: time.Duration(cfg.Client.ReconnectTimeout) * time.Second,
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		go c.Run(ctx)
		addr := fmt.Sprintf("127.0.0.1:%d", cfg.Client.IPCPort)
		log.Printf("sugar: client ipc=%s api=%s root=%s", addr, cfg.API, cfg.Root)
		return serve(ctx, &http.Server{Addr: addr, Handler: c.Handler()})
	},
}

func serve(ctx context.Context, srv *http.Server) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func init() {
	nodeCmd.Flags().String("root", "", "Volume root directory")
	nodeCmd.Flags().String("listen", "", "Listen address")
	nodeCmd.Flags().String("master", "", "Master API URL (serve as slave)")
	nodeCmd.Flags().String("guid", "", "Node identity")
	rootCmd.AddCommand(nodeCmd)

	clientCmd.Flags().String("api-url", "", "Master API URL")
	clientCmd.Flags().String("local-root", "", "Home volume root")
	clientCmd.Flags().Int("ipc-port", 0, "Local IPC port")
	rootCmd.AddCommand(clientCmd)
}
