package main

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var (
		configPath string
		envFile    string
	)
	rootCmd := &cobra.Command{
		Use:           "relayd",
		Short:         "OpenMCP Relay: 群组会话编排、agent 执行与工具解析",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			// .env 只补充尚未设置的环境变量。
			if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			if configPath != "" {
				return os.Setenv("RELAY_CONFIG", configPath)
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "配置文件路径，默认读取 RELAY_CONFIG 或 configs/relay.yaml")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "启动前加载的 dotenv 文件")

	rootCmd.AddCommand(
		newServeCmd(),
		newKeygenCmd(),
		newSealSecretCmd(),
		newInfraTokenCmd(),
	)
	return rootCmd
}
