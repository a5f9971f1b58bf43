package main

import (
	"os"

	"k8s.io/klog/v2"
	ctrl "sigs.k8s.io/controller-runtime"

	"sabresizer/pkg/cli"
)

func main() {
	err := cli.NewApp().NewControllerCommand().ExecuteContext(ctrl.SetupSignalHandler())
	klog.Flush()
	if err != nil {
		os.Exit(1)
	}
}
