package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/taoyao-code/idro-ble/internal/app/bootstrap"
	cfgpkg "github.com/taoyao-code/idro-ble/internal/config"
	"github.com/taoyao-code/idro-ble/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:          "server",
		Short:        "Idro gateway BLE bridge: control API, metrics and MQTT forwarding",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// 1) 加载配置
			cfg, err := cfgpkg.Load(configPath)
			if err != nil {
				return err
			}

			// 2) 初始化日志
			logger, err := logging.InitLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			zap.ReplaceGlobals(logger)

			// 3) 启动各组件并等待退出信号
			return bootstrap.Run(cfg, zap.L())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (default $IDRO_CONFIG or ./configs/example.yaml)")
	return cmd
}
