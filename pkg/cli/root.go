package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
	"sigs.k8s.io/yaml"

	"sabresizer/pkg/actuator"
	"sabresizer/pkg/config"
	"sabresizer/pkg/kubeclient"
	"sabresizer/pkg/sizing"
)

// NewRootCommand returns "sabresizer <size>".
func (a *App) NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sabresizer <small|medium|big>",
		Short: "Size the managed deployment",
		Long: `sabresizer replaces the managed deployment with one sized for the given class.
Unknown sizes fall back to small.`,
		Example: `  sabresizer big
  sabresizer medium --strategy=update
  sabresizer small --dry-run --workload-namespace=sizing`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE:         a.runSize,
	}

	config.BindFlags(cmd.PersistentFlags())
	addKlogFlags(cmd.PersistentFlags())
	cmd.AddCommand(a.newShowCommand())
	return cmd
}

func (a *App) runSize(cmd *cobra.Command, args []string) error {
	c, v, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}

	client, err := a.NewClient(c.Kubeconfig)
	if err != nil {
		return fmt.Errorf("create Kubernetes client: %w", err)
	}

	ctx, cancel := kubeclient.WithTimeout(cmd.Context(), c.RequestTimeout)
	defer cancel()

	if c, err = config.MergeConfigMap(ctx, client, v, c); err != nil {
		return err
	}
	c.Log()

	size := sizing.ParseSizeClass(args[0])
	if string(size) != args[0] {
		klog.InfoS("Unknown size, using the smallest profile", "requested", args[0], "size", size)
	}

	r, err := actuator.NewReconciler(client, c.Workload, c.ActuatorOptions())
	if err != nil {
		return err
	}
	out, err := r.Reconcile(ctx, size)
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", size, err)
	}

	if out.DryRun {
		b, err := yaml.Marshal(out.Descriptor)
		if err != nil {
			return fmt.Errorf("render deployment: %w", err)
		}
		fmt.Fprintf(a.out(cmd), "# dry-run: existing=%t, no changes applied\n%s", out.PreviousExisted, b)
		return nil
	}

	fmt.Fprintf(a.out(cmd), "deployment %s set to %s (%s), replaced=%t\n",
		c.Workload.String(), size, size.Profile().String(), out.PreviousExisted)
	return nil
}
