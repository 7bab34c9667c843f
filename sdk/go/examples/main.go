package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"OpenMCP-Relay/internal/trustchain"
	"OpenMCP-Relay/sdk/go/relay"
)

// 演示：激活群组、签发路由令牌，然后向 agent 发送一条消息并打印历史。
func main() {
	gatewayURL := flag.String("gateway", envOr("RELAY_GATEWAY_URL", "http://127.0.0.1:8080"), "网关地址")
	appKey := flag.String("app-key", os.Getenv("RELAY_APP_PRIVATE_KEY"), "infra 应用私钥（base64url），网关未配置 infra 公钥时可为空")
	runnerURL := flag.String("runner", envOr("RELAY_RUNNER_URL", "http://127.0.0.1:8090"), "agent runner 地址")
	groupID := flag.String("group", "group-demo", "群组 id")
	orgID := flag.String("org", "org-demo", "组织 id")
	agentID := flag.String("agent", "agent-assistant", "agent id")
	text := flag.String("text", "你好，请介绍一下自己", "发送的消息")
	flag.Parse()

	client, err := relay.NewClient(*gatewayURL, nil)
	if err != nil {
		log.Fatal(err)
	}
	if *appKey != "" {
		priv, err := trustchain.DecodePrivateKey(*appKey)
		if err != nil {
			log.Fatalf("解析应用私钥失败: %v", err)
		}
		client.SetInfraKey(priv, "sdk-example", *orgID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	act, err := client.ActivateGroup(ctx, *groupID, *orgID)
	if err != nil {
		log.Fatalf("激活群组失败: %v", err)
	}
	fmt.Printf("群组 %s 已激活，actor=%s\n", *groupID, act.ActorID)

	token, err := client.IssueRoutingToken(ctx, *groupID, "user-alice")
	if err != nil {
		log.Fatalf("签发路由令牌失败: %v", err)
	}

	result, err := client.PostMessage(ctx, *groupID, token.Token, relay.Post{
		Text:          *text,
		AgentRuntimes: []relay.AgentRuntime{{AgentID: *agentID, RuntimeID: "rt-demo", BaseURL: *runnerURL}},
	})
	if err != nil {
		log.Fatalf("发送消息失败: %v", err)
	}
	for _, skipped := range result.Skipped {
		fmt.Printf("agent %s 未回复: %s %s\n", skipped.AgentID, skipped.Reason, skipped.Error)
	}

	history, err := client.History(ctx, *groupID, token.Token)
	if err != nil {
		log.Fatalf("读取历史失败: %v", err)
	}
	for _, msg := range history {
		fmt.Printf("[%s] %s\n", msg.Role, msg.Text)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
