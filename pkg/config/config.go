package config

// Package config resolves sabresizer settings. Sources, lowest precedence
// first: built-in defaults, an optional YAML file, an optional ConfigMap,
// SABRESIZER_* environment variables, command-line flags.

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"

	"sabresizer/pkg/actuator"
	"sabresizer/pkg/intent"
	"sabresizer/pkg/workload"
)

// EnvPrefix prefixes every environment override, e.g. SABRESIZER_STRATEGY.
const EnvPrefix = "SABRESIZER"

// Keys shared by flags, environment, config file and ConfigMap data.
const (
	KeyConfigFile         = "config"
	KeyConfigMap          = "config-map"
	KeyKubeconfig         = "kubeconfig"
	KeyWorkloadName       = "workload-name"
	KeyWorkloadNamespace  = "workload-namespace"
	KeyWorkloadLabels     = "workload-labels"
	KeyContainerName      = "container-name"
	KeyImage              = "image"
	KeyCommand            = "command"
	KeyIntentMode         = "intent-mode"
	KeyStrategy           = "strategy"
	KeyDryRun             = "dry-run"
	KeyRetrySteps         = "retry-steps"
	KeyRetryInterval      = "retry-interval"
	KeyBreakerThreshold   = "breaker-threshold"
	KeyBreakerCooldown    = "breaker-cooldown"
	KeyEventQPS           = "event-qps"
	KeyEventBurst         = "event-burst"
	KeySkipPreexisting    = "skip-preexisting"
	KeyRequestTimeout     = "request-timeout"
	KeyIgnoredComponent   = "ignored-component"
	KeyLeaderElection     = "leader-elect"
	KeyHealthProbeAddress = "health-probe-bind-address"
	KeyMetricsAddress     = "metrics-bind-address"
)

// Config holds every tunable of the CLI and the controller.
type Config struct {
	// ConfigFile is an optional YAML file with the same keys as the flags.
	ConfigFile string

	// ConfigMap is an optional "namespace/name" whose data overrides the file.
	ConfigMap string

	// Kubeconfig overrides KUBECONFIG and ~/.kube/config.
	Kubeconfig string

	Workload workload.Identity

	// IntentMode is "substring" (default) or "token".
	IntentMode intent.Mode

	// Strategy is "recreate" (default) or "update".
	Strategy actuator.Strategy

	// DryRun lists and renders without mutating the cluster.
	DryRun bool

	// RetrySteps is the number of attempts for a transient API failure.
	RetrySteps int

	// RetryInterval is the delay before the first retry; it doubles per step.
	RetryInterval time.Duration

	// BreakerThreshold consecutive failed reconciliations open the breaker (0 disables).
	BreakerThreshold int

	// BreakerCooldown is how long an open breaker rejects reconciliations.
	BreakerCooldown time.Duration

	// EventQPS and EventBurst throttle reconciliations triggered by events.
	EventQPS   float64
	EventBurst int

	// SkipPreexisting ignores events created before the controller started.
	SkipPreexisting bool

	// RequestTimeout bounds one CLI reconciliation.
	RequestTimeout time.Duration

	// IgnoredComponent is the event source component whose events are skipped,
	// so the controller never reacts to the events it records itself.
	IgnoredComponent string

	LeaderElection     bool
	HealthProbeAddress string

	// MetricsAddress serves Prometheus metrics; "0" disables the endpoint.
	MetricsAddress string
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	opts := actuator.DefaultOptions()
	return &Config{
		Workload:           workload.DefaultIdentity(),
		IntentMode:         intent.ModeSubstring,
		Strategy:           actuator.StrategyRecreate,
		RetrySteps:         opts.Backoff.Steps,
		RetryInterval:      opts.Backoff.Duration,
		BreakerThreshold:   opts.BreakerThreshold,
		BreakerCooldown:    opts.BreakerCooldown,
		EventQPS:           5,
		EventBurst:         10,
		RequestTimeout:     60 * time.Second,
		IgnoredComponent:   "sabresizer",
		HealthProbeAddress: ":8081",
		MetricsAddress:     "0",
	}
}

// BindFlags registers every key on fs with its default value.
func BindFlags(fs *pflag.FlagSet) {
	d := DefaultConfig()
	fs.String(KeyConfigFile, "", "Path to a YAML config file")
	fs.String(KeyConfigMap, "", "ConfigMap (namespace/name) with configuration overrides")
	fs.String(KeyKubeconfig, "", "Path to a kubeconfig file (default: $KUBECONFIG, ~/.kube/config, in-cluster)")
	fs.String(KeyWorkloadName, d.Workload.Name, "Name of the managed deployment")
	fs.String(KeyWorkloadNamespace, d.Workload.Namespace, "Namespace of the managed deployment")
	fs.StringToString(KeyWorkloadLabels, d.Workload.Labels, "Selector labels of the managed deployment")
	fs.String(KeyContainerName, d.Workload.ContainerName, "Container name in the managed deployment")
	fs.String(KeyImage, d.Workload.Image, "Container image of the managed deployment")
	fs.StringSlice(KeyCommand, d.Workload.Command, "Container command of the managed deployment")
	fs.String(KeyIntentMode, string(d.IntentMode), "How sizes are found in event reasons: substring or token")
	fs.String(KeyStrategy, string(d.Strategy), "Reconcile strategy: recreate or update")
	fs.Bool(KeyDryRun, d.DryRun, "Render the desired deployment without changing the cluster")
	fs.Int(KeyRetrySteps, d.RetrySteps, "Attempts per API call on transient failures")
	fs.Duration(KeyRetryInterval, d.RetryInterval, "Initial delay between retries")
	fs.Int(KeyBreakerThreshold, d.BreakerThreshold, "Consecutive failures before reconciliations are suspended (0 disables)")
	fs.Duration(KeyBreakerCooldown, d.BreakerCooldown, "How long reconciliations stay suspended")
	fs.Float64(KeyEventQPS, d.EventQPS, "Maximum event-triggered reconciliations per second")
	fs.Int(KeyEventBurst, d.EventBurst, "Burst of event-triggered reconciliations")
	fs.Bool(KeySkipPreexisting, d.SkipPreexisting, "Ignore events created before the controller started")
	fs.Duration(KeyRequestTimeout, d.RequestTimeout, "Timeout for a single CLI reconciliation")
	fs.String(KeyIgnoredComponent, d.IgnoredComponent, "Event source component to ignore")
	fs.Bool(KeyLeaderElection, d.LeaderElection, "Enable leader election for the controller")
	fs.String(KeyHealthProbeAddress, d.HealthProbeAddress, "The address the health probe endpoint binds to")
	fs.String(KeyMetricsAddress, d.MetricsAddress, "The address the metrics endpoint binds to (0 disables it)")
}

// NewViper returns a viper instance bound to fs and the environment, with the
// config file read if one is named.
func NewViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if path := v.GetString(KeyConfigFile); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}
	return v, nil
}

// Decode builds a Config from v and validates it.
func Decode(v *viper.Viper) (*Config, error) {
	c := DefaultConfig()

	c.ConfigFile = v.GetString(KeyConfigFile)
	c.ConfigMap = v.GetString(KeyConfigMap)
	c.Kubeconfig = v.GetString(KeyKubeconfig)

	setString(v, KeyWorkloadName, &c.Workload.Name)
	setString(v, KeyWorkloadNamespace, &c.Workload.Namespace)
	setString(v, KeyContainerName, &c.Workload.ContainerName)
	setString(v, KeyImage, &c.Workload.Image)
	if v.IsSet(KeyWorkloadLabels) {
		lbls, err := decodeLabels(v)
		if err != nil {
			return nil, err
		}
		c.Workload.Labels = lbls
	}
	if v.IsSet(KeyCommand) {
		c.Workload.Command = v.GetStringSlice(KeyCommand)
	}

	var err error
	if c.IntentMode, err = intent.ParseMode(v.GetString(KeyIntentMode)); err != nil {
		return nil, err
	}
	if c.Strategy, err = actuator.ParseStrategy(v.GetString(KeyStrategy)); err != nil {
		return nil, err
	}

	if v.IsSet(KeyDryRun) {
		c.DryRun = v.GetBool(KeyDryRun)
	}
	if v.IsSet(KeyRetrySteps) {
		c.RetrySteps = v.GetInt(KeyRetrySteps)
	}
	if v.IsSet(KeyRetryInterval) {
		c.RetryInterval = v.GetDuration(KeyRetryInterval)
	}
	if v.IsSet(KeyBreakerThreshold) {
		c.BreakerThreshold = v.GetInt(KeyBreakerThreshold)
	}
	if v.IsSet(KeyBreakerCooldown) {
		c.BreakerCooldown = v.GetDuration(KeyBreakerCooldown)
	}
	if v.IsSet(KeyEventQPS) {
		c.EventQPS = v.GetFloat64(KeyEventQPS)
	}
	if v.IsSet(KeyEventBurst) {
		c.EventBurst = v.GetInt(KeyEventBurst)
	}
	if v.IsSet(KeySkipPreexisting) {
		c.SkipPreexisting = v.GetBool(KeySkipPreexisting)
	}
	if v.IsSet(KeyRequestTimeout) {
		c.RequestTimeout = v.GetDuration(KeyRequestTimeout)
	}
	setString(v, KeyIgnoredComponent, &c.IgnoredComponent)
	if v.IsSet(KeyLeaderElection) {
		c.LeaderElection = v.GetBool(KeyLeaderElection)
	}
	setString(v, KeyHealthProbeAddress, &c.HealthProbeAddress)
	setString(v, KeyMetricsAddress, &c.MetricsAddress)

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

// Load binds fs, reads the config file and decodes the result.
func Load(fs *pflag.FlagSet) (*Config, *viper.Viper, error) {
	v, err := NewViper(fs)
	if err != nil {
		return nil, nil, err
	}
	c, err := Decode(v)
	if err != nil {
		return nil, nil, err
	}
	return c, v, nil
}

// MergeConfigMap fetches the ConfigMap named by c.ConfigMap, layers its data
// over the config file in v and decodes again. A missing ConfigMap is logged
// and the current configuration is kept.
func MergeConfigMap(ctx context.Context, client kubernetes.Interface, v *viper.Viper, c *Config) (*Config, error) {
	if c.ConfigMap == "" {
		return c, nil
	}
	namespace, name, ok := strings.Cut(c.ConfigMap, "/")
	if !ok || namespace == "" || name == "" {
		return nil, fmt.Errorf("config map must be namespace/name, got %q", c.ConfigMap)
	}

	cm, err := client.CoreV1().ConfigMaps(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		klog.V(2).InfoS("ConfigMap not found, using defaults and environment variables", "configMap", c.ConfigMap, "error", err)
		return c, nil
	}
	if len(cm.Data) == 0 {
		return c, nil
	}

	overrides := make(map[string]any, len(cm.Data))
	for k, val := range cm.Data {
		overrides[k] = val
	}
	if err := v.MergeConfigMap(overrides); err != nil {
		return nil, fmt.Errorf("merge ConfigMap %s: %w", c.ConfigMap, err)
	}

	merged, err := Decode(v)
	if err != nil {
		return nil, fmt.Errorf("ConfigMap %s: %w", c.ConfigMap, err)
	}
	klog.InfoS("Loaded configuration from ConfigMap", "namespace", namespace, "name", name)
	return merged, nil
}

// Validate checks that all values are usable.
func (c *Config) Validate() error {
	if err := c.Workload.Validate(); err != nil {
		return err
	}
	if c.RetrySteps < 1 {
		return fmt.Errorf("%s must be >= 1, got %d", KeyRetrySteps, c.RetrySteps)
	}
	if c.RetryInterval < 0 {
		return fmt.Errorf("%s must be >= 0, got %v", KeyRetryInterval, c.RetryInterval)
	}
	if c.BreakerThreshold < 0 {
		return fmt.Errorf("%s must be >= 0, got %d", KeyBreakerThreshold, c.BreakerThreshold)
	}
	if c.BreakerThreshold > 0 && c.BreakerCooldown <= 0 {
		return fmt.Errorf("%s must be > 0 when the breaker is enabled", KeyBreakerCooldown)
	}
	if c.EventQPS <= 0 {
		return fmt.Errorf("%s must be > 0, got %s", KeyEventQPS, strconv.FormatFloat(c.EventQPS, 'f', -1, 64))
	}
	if c.EventBurst < 1 {
		return fmt.Errorf("%s must be >= 1, got %d", KeyEventBurst, c.EventBurst)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%s must be > 0, got %v", KeyRequestTimeout, c.RequestTimeout)
	}
	return nil
}

// ActuatorOptions converts the retry, breaker and strategy settings.
func (c *Config) ActuatorOptions() actuator.Options {
	return actuator.Options{
		Strategy: c.Strategy,
		DryRun:   c.DryRun,
		Backoff: wait.Backoff{
			Steps:    c.RetrySteps,
			Duration: c.RetryInterval,
			Factor:   2.0,
			Jitter:   0.1,
		},
		BreakerThreshold: c.BreakerThreshold,
		BreakerCooldown:  c.BreakerCooldown,
	}
}

// Log writes the effective configuration.
func (c *Config) Log() {
	klog.InfoS("Configuration loaded",
		"workload", c.Workload.String(),
		"labels", c.Workload.Labels,
		"image", c.Workload.Image,
		"intentMode", c.IntentMode,
		"strategy", c.Strategy,
		"dryRun", c.DryRun,
		"retrySteps", c.RetrySteps,
		"retryInterval", c.RetryInterval,
		"breakerThreshold", c.BreakerThreshold,
		"breakerCooldown", c.BreakerCooldown,
		"eventQPS", c.EventQPS,
		"eventBurst", c.EventBurst,
		"skipPreexisting", c.SkipPreexisting)
}

// decodeLabels accepts a map from flags or YAML, and the "k=v,k2=v2" string
// form environment variables and ConfigMap data arrive in.
func decodeLabels(v *viper.Viper) (map[string]string, error) {
	raw, ok := v.Get(KeyWorkloadLabels).(string)
	if !ok {
		return v.GetStringMapString(KeyWorkloadLabels), nil
	}
	set, err := labels.ConvertSelectorToLabelsMap(strings.Trim(raw, "[]"))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", KeyWorkloadLabels, err)
	}
	return set, nil
}

func setString(v *viper.Viper, key string, dst *string) {
	if v.IsSet(key) {
		*dst = v.GetString(key)
	}
}
