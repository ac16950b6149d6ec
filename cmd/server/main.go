// Package main 是服务端的入口点
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"ia-chat-server/internal/config"
	"ia-chat-server/internal/logger"
)

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "ia-chat-server",
	Short: "IA Chat - 基于 WebSocket 的流式对话服务",
	Long: `IA Chat 服务端

通过 WebSocket 与客户端保持会话，把用户消息交给本地推理后端，
并把生成的内容实时推送回客户端，同时持久化对话和消息。`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("加载配置失败: %w", err)
		}
		logger.Setup(cfg.Log.Level, cfg.Log.Format)
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./configs", "配置文件目录")

	rootCmd.AddCommand(serveCmd, migrateCmd, tokenCmd, modelsCmd)

	tokenCmd.Flags().Int64("user-id", 0, "签发令牌的用户ID")
	tokenCmd.Flags().String("username", "", "写入令牌的用户名")
	tokenCmd.Flags().Duration("expire", 0, "有效期，默认使用 jwt.access_expire")
	tokenCmd.Flags().String("revoke", "", "吊销指定令牌")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// shutdownTimeout 优雅关闭的等待时间
const shutdownTimeout = 10 * time.Second
