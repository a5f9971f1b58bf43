package cli

// Package cli contains the human-facing commands:
// - "sabresizer <size>"  : size the managed deployment once
// - "sabresizer show"    : print the live deployment and its requests
// - "sabresizer-emit"    : record a sizing request event
// - "sabresizer-controller": react to sizing request events
//
// The commands are thin shells around the actuator and controller packages.

import (
	"flag"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"

	"sabresizer/pkg/kubeclient"
)

// App holds what the commands share: where output goes and how the
// Kubernetes client is built.
type App struct {
	Out       io.Writer
	NewClient func(kubeconfig string) (kubernetes.Interface, error)
}

// NewApp returns an App writing to stdout and talking to the configured cluster.
func NewApp() *App {
	return &App{
		Out: os.Stdout,
		NewClient: func(kubeconfig string) (kubernetes.Interface, error) {
			cs, _, err := kubeclient.NewClientset(kubeconfig)
			return cs, err
		},
	}
}

// addKlogFlags exposes -v, --logtostderr and friends on fs.
func addKlogFlags(fs *pflag.FlagSet) {
	gofs := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(gofs)
	fs.AddGoFlagSet(gofs)
}

func (a *App) out(cmd *cobra.Command) io.Writer {
	if a.Out != nil {
		return a.Out
	}
	return cmd.OutOrStdout()
}
