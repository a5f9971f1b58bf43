package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"sabresizer/pkg/config"
	"sabresizer/pkg/kubeclient"
	"sabresizer/pkg/workload"
)

func (a *App) newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:          "show",
		Short:        "Show the live managed deployment and its resource requests",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, _, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			client, err := a.NewClient(c.Kubeconfig)
			if err != nil {
				return fmt.Errorf("create Kubernetes client: %w", err)
			}

			ctx, cancel := kubeclient.WithTimeout(cmd.Context(), c.RequestTimeout)
			defer cancel()

			d, err := client.AppsV1().Deployments(c.Workload.Namespace).Get(ctx, c.Workload.Name, metav1.GetOptions{})
			if apierrors.IsNotFound(err) {
				fmt.Fprintf(a.out(cmd), "deployment %s is absent\n", c.Workload.String())
				return nil
			}
			if err != nil {
				return fmt.Errorf("get deployment %s: %w", c.Workload.String(), err)
			}
			printDeployment(a.out(cmd), d)
			return nil
		},
	}
}

// printDeployment prints replicas, the recorded profile and the requests and
// limits of every container.
func printDeployment(w io.Writer, d *appsv1.Deployment) {
	replicas := int32(1)
	if d.Spec.Replicas != nil {
		replicas = *d.Spec.Replicas
	}
	fmt.Fprintf(w, "deployment ns=%s name=%s replicas=%d\n", d.Namespace, d.Name, replicas)
	if p, ok := workload.ProfileOf(d); ok {
		fmt.Fprintf(w, "  profile=%s\n", p.String())
	}

	for _, c := range d.Spec.Template.Spec.Containers {
		reqs := c.Resources.Requests
		lims := c.Resources.Limits

		fmt.Fprintf(w, "  container=%s image=%s\n", c.Name, c.Image)
		fmt.Fprintf(w, "    request.cpu=%s  request.memory=%s\n", quantityOrDash(reqs, corev1.ResourceCPU), quantityOrDash(reqs, corev1.ResourceMemory))
		fmt.Fprintf(w, "    limit.cpu=%s    limit.memory=%s\n", quantityOrDash(lims, corev1.ResourceCPU), quantityOrDash(lims, corev1.ResourceMemory))
	}
}

func quantityOrDash(list corev1.ResourceList, name corev1.ResourceName) string {
	q, ok := list[name]
	if !ok {
		return "-"
	}
	return q.String()
}
