package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
)

// main 是 relayd 的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log.Fatalf("relayd 运行失败: %v", err)
	}
}
