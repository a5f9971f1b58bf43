package kubeclient

// Package kubeclient resolves the cluster connection shared by the CLIs and
// the controller. Session lifecycle belongs here, not to the reconciler.

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

// DefaultTimeout bounds one-shot CLI commands.
const DefaultTimeout = 60 * time.Second

// BuildConfig prefers the explicit path, then KUBECONFIG, then ~/.kube/config,
// then in-cluster config.
func BuildConfig(kubeconfig string) (*rest.Config, error) {
	path := ResolveKubeconfigPath(kubeconfig)
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			cfg, err := clientcmd.BuildConfigFromFlags("", path)
			if err != nil {
				return nil, fmt.Errorf("load kubeconfig %s: %w", path, err)
			}
			return cfg, nil
		} else if kubeconfig != "" {
			return nil, fmt.Errorf("kubeconfig %s: %w", path, err)
		}
	}

	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("no usable kubeconfig and not running in-cluster: %w", err)
	}
	return cfg, nil
}

// ResolveKubeconfigPath returns the kubeconfig path that BuildConfig tries
// first, or "" when none applies.
func ResolveKubeconfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv(clientcmd.RecommendedConfigPathEnvVar); env != "" {
		return env
	}
	if home := homedir.HomeDir(); home != "" {
		return filepath.Join(home, clientcmd.RecommendedHomeDir, clientcmd.RecommendedFileName)
	}
	return ""
}

// NewClientset builds a clientset from BuildConfig.
func NewClientset(kubeconfig string) (kubernetes.Interface, *rest.Config, error) {
	cfg, err := BuildConfig(kubeconfig)
	if err != nil {
		return nil, nil, fmt.Errorf("build kube config: %w", err)
	}
	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create clientset: %w", err)
	}
	return cs, cfg, nil
}

// WithTimeout returns a context bounded by timeout, or DefaultTimeout when
// timeout is not positive.
func WithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return context.WithTimeout(parent, timeout)
}
