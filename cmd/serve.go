package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentwall/llm-sidecar/internal/config"
	"github.com/agentwall/llm-sidecar/internal/core"
	"github.com/agentwall/llm-sidecar/internal/forwarder"
	"github.com/agentwall/llm-sidecar/internal/listener"
	"github.com/agentwall/llm-sidecar/internal/logging"
)

// shutdownGrace bounds how long in-flight requests get to finish once a
// termination signal arrives.
const shutdownGrace = 15 * time.Second

var serveConfigPath string

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sidecar's listeners",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultAmbientConfigPath(), "Ambient config TOML path (log level, bind hosts; never credentials)")
	rootCmd.AddCommand(serveCmd)
}

// runServe is the process supervisor (spec §2 component 10): it loads
// the ambient TOML file, then the environment (which always overrides
// it), builds the shared Core, binds the enabled listeners, and blocks
// until a termination signal arrives.
func runServe(cmd *cobra.Command) error {
	ambient, err := config.LoadAmbientFile(serveConfigPath)
	if err != nil {
		return err
	}

	cfg := config.Load(os.Getenv).WithAmbientDefaults(ambient)
	if err := cfg.ValidatePorts(); err != nil {
		return err
	}

	c := core.New(cfg)

	// A panic on the supervisor goroutine is logged as a shutdown event
	// and the process exits non-zero.
	defer func() {
		if r := recover(); r != nil {
			c.Logger.Error(logging.EventShutdown, logging.Fields{"panic": fmt.Sprint(r)})
			os.Exit(1)
		}
	}()

	fw := forwarder.New(c)

	c.Logger.Info(logging.EventStartup, logging.Fields{
		"openai_enabled":    cfg.Providers[config.ProviderOpenAI].Enabled,
		"anthropic_enabled": cfg.Providers[config.ProviderAnthropic].Enabled,
		"copilot_enabled":   cfg.Providers[config.ProviderCopilot].Enabled,
		"proxy_configured":  cfg.Proxy.Configured(),
		"rate_limit":        cfg.RateLimit.Enabled,
	})

	servers := buildServers(c, fw, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for _, srv := range servers {
		srv := srv
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Logger.Info(logging.EventServerStart, logging.Fields{"addr": srv.Addr})
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				c.Logger.Error(logging.EventServerStart, logging.Fields{"addr": srv.Addr, "error": err.Error()})
			}
		}()
	}

	<-ctx.Done()
	c.Logger.Info(logging.EventShutdown, nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	wg.Wait()
	return nil
}

// buildServers returns one *http.Server per bound port. The OpenAI
// listener always binds (it hosts the management endpoints even with
// no credential, spec §4.10); Anthropic and Copilot bind only when
// enabled (spec §3 "port bound iff provider enabled").
func buildServers(c *core.Core, fw *forwarder.Forwarder, cfg config.Config) []*http.Server {
	var servers []*http.Server

	servers = append(servers, listener.New(c, fw, cfg.Providers[config.ProviderOpenAI]))

	if p := cfg.Providers[config.ProviderAnthropic]; p.Enabled {
		servers = append(servers, listener.New(c, fw, p))
	}
	if p := cfg.Providers[config.ProviderCopilot]; p.Enabled {
		servers = append(servers, listener.New(c, fw, p))
	}

	return servers
}
