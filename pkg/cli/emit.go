package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"sabresizer/pkg/config"
	"sabresizer/pkg/emitter"
	"sabresizer/pkg/kubeclient"
)

// NewEmitCommand returns "sabresizer-emit <size>", which records the event
// the controller turns into a reconciliation.
func (a *App) NewEmitCommand() *cobra.Command {
	var (
		kubeconfig   string
		namespace    string
		involvedName string
	)
	defaults := emitter.DefaultOptions()

	cmd := &cobra.Command{
		Use:          "sabresizer-emit <size>",
		Short:        "Record a sizing request event",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.NewClient(kubeconfig)
			if err != nil {
				return fmt.Errorf("create Kubernetes client: %w", err)
			}

			ctx, cancel := kubeclient.WithTimeout(cmd.Context(), kubeclient.DefaultTimeout)
			defer cancel()

			opts := emitter.DefaultOptions()
			opts.Namespace = namespace
			opts.InvolvedName = involvedName

			ev, err := emitter.Emit(ctx, client, args[0], opts)
			if err != nil {
				return err
			}
			klog.V(2).InfoS("Event recorded", "event", klog.KObj(ev), "reason", ev.Reason)
			fmt.Fprintf(a.out(cmd), "event %s/%s: %s\n", ev.Namespace, ev.Name, ev.Message)
			return nil
		},
	}

	cmd.Flags().StringVar(&kubeconfig, config.KeyKubeconfig, "", "Path to a kubeconfig file (default: $KUBECONFIG, ~/.kube/config, in-cluster)")
	cmd.Flags().StringVar(&namespace, "namespace", defaults.Namespace, "Namespace the event is recorded in")
	cmd.Flags().StringVar(&involvedName, "involved-pod", defaults.InvolvedName, "Pod the event refers to")
	addKlogFlags(cmd.Flags())
	return cmd
}
