package main

import (
	"context"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/yoohyeon14/essay-ocr-system/internal/cli"
)

const version = "0.1.0"

func main() {
	root := cli.NewRootCmd()

	// Interrupts cancel the command context, which stops the batch between pages.
	if err := fang.Execute(
		context.Background(),
		root,
		fang.WithVersion(version),
		fang.WithNotifySignal(os.Interrupt, os.Kill),
	); err != nil {
		os.Exit(1)
	}
}
