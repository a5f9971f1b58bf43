package main

import (
	"os"

	"k8s.io/klog/v2"

	"sabresizer/pkg/cli"
)

func main() {
	err := cli.NewApp().NewEmitCommand().Execute()
	klog.Flush()
	if err != nil {
		os.Exit(1)
	}
}
