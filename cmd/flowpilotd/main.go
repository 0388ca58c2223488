package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// main 是 FlowPilot 守护进程与命令行的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "flowpilotd 运行失败: %v\n", err)
		os.Exit(1)
	}
}
