package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/burrownet/burrow/config"
	"github.com/burrownet/burrow/logger"
	"github.com/burrownet/burrow/server"
)

var (
	serverOpts     server.Options
	serverAuthMode string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the proxy server accepting user and tunnel connections",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		log := logger.New(cfg)

		mode, err := config.ParseAuthMode(serverAuthMode)
		if err != nil {
			return err
		}
		serverOpts.AuthMode = mode

		if err := cfg.ValidateAuth(mode); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(2)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return server.Run(ctx, cfg, serverOpts, log)
	},
}

func init() {
	f := serverCmd.Flags()
	f.StringVar(&serverOpts.Domain, "domain", "", "domain name of the proxy server, e.g. lt.example.com")
	f.IntVarP(&serverOpts.APIPort, "port", "p", 3000, "the port to accept tunnel allocation requests")
	f.BoolVar(&serverOpts.Secure, "secure", false, "advertise tunnel urls over https")
	f.IntVar(&serverOpts.MaxSockets, "max-sockets", 10, "maximum number of tcp sockets each tunnel may keep open")
	f.IntVar(&serverOpts.ProxyPort, "proxy-port", 3001, "the port to accept user requests for proxying")
	f.StringVar(&serverOpts.ProxyIP, "proxy-ip", "", "public ip to advertise for tunnel connections, optional")
	f.StringVar(&serverAuthMode, "auth-mode", "noauth", "credential validation mode: noauth, cloudflare, plaintext or redis")
	_ = serverCmd.MarkFlagRequired("domain")
}
