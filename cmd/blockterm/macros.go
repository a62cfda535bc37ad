package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/blockterm/internal/appconfig"
	"pkt.systems/blockterm/internal/task"
)

func newMacrosCmd() *cobra.Command {
	var cfgPath string
	var hostName string
	cmd := &cobra.Command{
		Use:   "macros",
		Short: "List configured macros and the built-in actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			macros, err := task.NewMacros(cfg.Macros...)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			defs := macros.All()
			if hostName != "" {
				defs = macros.Visible(hostName)
			}
			for _, def := range defs {
				scope := "*"
				if len(def.Parents) > 0 {
					scope = strings.Join(def.Parents, ",")
				}
				if _, err := fmt.Fprintf(out, "%s\t%s\t%s\n", def.Name, scope, def.Action); err != nil {
					return err
				}
			}
			_, err = fmt.Fprintf(out, "actions: %s\n", strings.Join(task.Actions(), " "))
			return err
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config path (default ~/.blockterm/config.yaml)")
	cmd.Flags().StringVar(&hostName, "host", "", "only list macros in scope for this host")
	return cmd
}
