package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"OpenMCP-Relay/internal/config"
	"OpenMCP-Relay/internal/secrets"
	"OpenMCP-Relay/internal/trustchain"
)

// newKeygenCmd 生成编排器或调用方应用使用的 Ed25519 密钥对。
func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "生成 Ed25519 密钥对（base64url）",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pair, err := trustchain.GenerateKeyPair()
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]string{
				"public_key":  trustchain.EncodeKey(pair.Public),
				"private_key": trustchain.EncodeKey(pair.Private),
			})
		},
	}
}

// newSealSecretCmd 用主密钥加密一个明文，输出可直接写入 secrets 表的密文。
func newSealSecretCmd() *cobra.Command {
	var value string
	cmd := &cobra.Command{
		Use:   "seal-secret",
		Short: "使用 secrets.master_key 加密密钥明文",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Secrets.MasterKey == "" {
				return errors.New("未配置 secrets.master_key")
			}
			if value == "" {
				// 未指定 --value 时从 stdin 读取一行，避免明文留在 shell 历史中。
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return err
				}
				value = strings.TrimRight(line, "\r\n")
			}
			if value == "" {
				return errors.New("密钥明文为空")
			}
			cipher, err := secrets.NewCipher(cfg.Secrets.MasterKey)
			if err != nil {
				return err
			}
			sealed, err := cipher.Encrypt(value)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return err
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "待加密的明文，留空时从 stdin 读取")
	return cmd
}

// newInfraTokenCmd 以应用私钥签发一次性 infra 令牌，便于运维调用网关 /infra 接口。
func newInfraTokenCmd() *cobra.Command {
	var (
		privateKey string
		method     string
		path       string
		orgID      string
		subject    string
		ttl        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "infra-token",
		Short: "签发绑定 method 与 path 的 infra 令牌",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			priv, err := trustchain.DecodePrivateKey(privateKey)
			if err != nil {
				return err
			}
			token, err := trustchain.IssueInfraToken(priv, method, path, orgID, subject, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&privateKey, "private-key", "", "应用私钥（base64url）")
	cmd.Flags().StringVar(&method, "method", "POST", "目标 HTTP 方法")
	cmd.Flags().StringVar(&path, "path", "/infra/groups", "目标路径")
	cmd.Flags().StringVar(&orgID, "org", "", "组织 id")
	cmd.Flags().StringVar(&subject, "subject", "ops", "调用主体")
	cmd.Flags().DurationVar(&ttl, "ttl", trustchain.DefaultInfraTTL, "有效期")
	_ = cmd.MarkFlagRequired("private-key")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
