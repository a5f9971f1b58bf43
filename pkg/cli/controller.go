package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/klog/v2"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"sabresizer/pkg/actuator"
	"sabresizer/pkg/config"
	"sabresizer/pkg/controller"
	"sabresizer/pkg/intent"
	"sabresizer/pkg/kubeclient"
)

var scheme = runtime.NewScheme()

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
}

// NewControllerCommand returns "sabresizer-controller", which sizes the
// managed deployment whenever a matching event is created.
func (a *App) NewControllerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "sabresizer-controller",
		Short:        "Size the managed deployment from cluster events",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         a.runController,
	}
	config.BindFlags(cmd.Flags())
	addKlogFlags(cmd.Flags())
	return cmd
}

func (a *App) runController(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	ctrl.SetLogger(klog.NewKlogr())

	c, v, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}

	restConfig, err := kubeclient.BuildConfig(c.Kubeconfig)
	if err != nil {
		return fmt.Errorf("build kube config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return fmt.Errorf("create clientset: %w", err)
	}

	if c, err = config.MergeConfigMap(ctx, clientset, v, c); err != nil {
		return err
	}
	c.Log()

	mgr, err := ctrl.NewManager(restConfig, ctrl.Options{
		Scheme:                 scheme,
		LeaderElection:         c.LeaderElection,
		LeaderElectionID:       "sabresizer-leader",
		HealthProbeBindAddress: c.HealthProbeAddress,
		Metrics:                metricsserver.Options{BindAddress: c.MetricsAddress},
	})
	if err != nil {
		return fmt.Errorf("create manager: %w", err)
	}
	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		return fmt.Errorf("set up health check: %w", err)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		return fmt.Errorf("set up readiness check: %w", err)
	}

	component := c.IgnoredComponent
	if component == "" {
		component = "sabresizer"
	}

	reconciler, err := actuator.NewReconciler(clientset, c.Workload, c.ActuatorOptions())
	if err != nil {
		return err
	}
	dispatcher, err := controller.NewDispatcher(reconciler, controller.DispatcherOptions{
		Parser:           intent.NewParser(c.IntentMode),
		Limiter:          rate.NewLimiter(rate.Limit(c.EventQPS), c.EventBurst),
		Recorder:         mgr.GetEventRecorderFor(component),
		IgnoredComponent: c.IgnoredComponent,
	})
	if err != nil {
		return err
	}

	events := &controller.EventReconciler{
		Client:          mgr.GetClient(),
		Dispatcher:      dispatcher,
		SkipPreexisting: c.SkipPreexisting,
		StartedAt:       time.Now(),
	}
	if err := events.SetupWithManager(mgr); err != nil {
		return fmt.Errorf("set up %s controller: %w", controller.ControllerName, err)
	}

	klog.InfoS("Starting controller", "workload", c.Workload.String(), "strategy", c.Strategy, "intentMode", c.IntentMode)
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("run manager: %w", err)
	}
	return nil
}
