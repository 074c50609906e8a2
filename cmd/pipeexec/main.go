package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. 執行 CLI 命令，把 ExitError 轉成進程退出碼
// 3. 處理頂層錯誤與 panic recovery
// ============================================================================

import (
	"errors"
	"fmt"
	"os"

	"github.com/ChuLiYu/pipeexec/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}
