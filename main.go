package main

import (
	"os"

	"k8s.io/klog/v2"

	"sabresizer/pkg/cli"
)

// Package main wires the command line to the cli package. The controller and
// the event emitter have their own binaries under cmd/.
func main() {
	err := cli.NewApp().NewRootCommand().Execute()
	klog.Flush()
	if err != nil {
		os.Exit(1)
	}
}
