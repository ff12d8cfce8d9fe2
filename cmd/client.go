package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/burrownet/burrow/client"
	"github.com/burrownet/burrow/config"
	"github.com/burrownet/burrow/logger"
)

var clientOpts client.Config

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Build a tunnel between a remote proxy server and a local service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		log := logger.New(cfg)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		c := client.New(clientOpts, log)
		url, err := c.Open(ctx)
		if err != nil {
			return err
		}
		log.Info().Str("url", url).Msg("tunnel established")
		fmt.Println("Tunnel url:", url)

		<-ctx.Done()
		log.Info().Msg("shutdown signal received")
		return nil
	},
}

func init() {
	f := clientCmd.Flags()
	f.StringVar(&clientOpts.Server, "host", client.DefaultServer, "address of the proxy server")
	f.StringVar(&clientOpts.Subdomain, "subdomain", "", "subdomain of the proxied url, random when omitted")
	f.StringVar(&clientOpts.LocalHost, "local-host", client.DefaultLocalHost, "the local host to expose")
	f.IntVarP(&clientOpts.LocalPort, "port", "p", 0, "the local port to expose")
	f.IntVar(&clientOpts.MaxConn, "max-conn", 10, "max connections allowed to server")
	f.StringVar(&clientOpts.Credential, "credential", "", "credential for the proxy server, if it requires one")
	_ = clientCmd.MarkFlagRequired("port")
}
