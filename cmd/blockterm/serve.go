package main

import (
	"github.com/spf13/cobra"

	"pkt.systems/blockterm/internal/appconfig"
	"pkt.systems/blockterm/sshserver"
	"pkt.systems/pslog"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve client sessions over SSH",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			sshCfg := sshserver.ConfigFrom(cfg.SSH)
			if addr != "" {
				sshCfg.Addr = addr
			}
			logger.Info("serve start", "addr", sshCfg.Addr, "host", cfg.Host, "proxy", cfg.Proxy)
			srv := &sshserver.Server{Config: sshCfg, Client: cfg}
			if err := srv.ListenAndServe(cmd.Context()); err != nil {
				return err
			}
			logger.Info("serve stop")
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config path (default ~/.blockterm/config.yaml)")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides ssh.addr)")
	return cmd
}
