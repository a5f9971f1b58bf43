package controller

// Package controller turns observed Events into sizing reconciliations.
// The Dispatcher holds the per-event logic; EventReconciler hosts it in a
// controller-runtime manager.

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/tools/record"
	"k8s.io/klog/v2"

	"sabresizer/pkg/actuator"
	"sabresizer/pkg/emitter"
	"sabresizer/pkg/intent"
	"sabresizer/pkg/metrics"
	"sabresizer/pkg/sizing"
	"sabresizer/pkg/workload"
)

const (
	// ReasonSizingApplied is recorded on the deployment after a successful pass.
	ReasonSizingApplied = "SizingApplied"
	// ReasonSizingFailed is recorded when a pass returns an error.
	ReasonSizingFailed = "SizingFailed"
)

// SizeReconciler converges the managed workload to a size class.
type SizeReconciler interface {
	Reconcile(ctx context.Context, size sizing.SizeClass) (actuator.Outcome, error)
	Identity() workload.Identity
	BreakerOpen() bool
}

// DispatcherOptions are the optional collaborators of a Dispatcher.
type DispatcherOptions struct {
	// Parser defaults to substring matching.
	Parser *intent.Parser
	// Limiter throttles reconciliations. Nil means unlimited.
	Limiter *rate.Limiter
	// Recorder, when set, receives SizingApplied and SizingFailed events.
	Recorder record.EventRecorder
	// IgnoredComponent skips events whose source is this component.
	IgnoredComponent string
}

// Dispatcher reconciles once per size class found in an event reason.
type Dispatcher struct {
	reconciler       SizeReconciler
	parser           *intent.Parser
	limiter          *rate.Limiter
	recorder         record.EventRecorder
	ignoredComponent string
}

// NewDispatcher returns a Dispatcher driving reconciler.
func NewDispatcher(reconciler SizeReconciler, opts DispatcherOptions) (*Dispatcher, error) {
	if reconciler == nil {
		return nil, fmt.Errorf("reconciler is required")
	}
	if opts.Parser == nil {
		opts.Parser = intent.NewParser(intent.ModeSubstring)
	}
	if opts.Limiter == nil {
		opts.Limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &Dispatcher{
		reconciler:       reconciler,
		parser:           opts.Parser,
		limiter:          opts.Limiter,
		recorder:         opts.Recorder,
		ignoredComponent: opts.IgnoredComponent,
	}, nil
}

// Ignored reports whether ev comes from the component the dispatcher ignores.
func (d *Dispatcher) Ignored(ev *corev1.Event) bool {
	if ev == nil {
		return true
	}
	if d.ignoredComponent == "" {
		return false
	}
	return ev.Source.Component == d.ignoredComponent || ev.ReportingController == d.ignoredComponent
}

// OnEvent parses the reason of ev and reconciles each size class in catalog
// order, one after another. The first error stops the remaining classes and is
// returned together with the outcomes produced so far, the failed one included.
func (d *Dispatcher) OnEvent(ctx context.Context, ev *corev1.Event) ([]actuator.Outcome, error) {
	if d.Ignored(ev) {
		metrics.RecordEvent(metrics.EventIgnored)
		return nil, nil
	}
	logger := klog.FromContext(ctx).WithValues("event", klog.KObj(ev))

	if emitter.HasMarker(ev.Name) {
		logger.V(2).Info("Sizing request observed", "object", ev)
	}

	classes := d.parser.Parse(ev.Reason)
	if len(classes) == 0 {
		logger.V(4).Info("No size in event reason", "reason", ev.Reason)
		metrics.RecordEvent(metrics.EventNoIntent)
		return nil, nil
	}

	outcomes := make([]actuator.Outcome, 0, len(classes))
	for _, size := range classes {
		if err := d.limiter.Wait(ctx); err != nil {
			metrics.RecordEvent(metrics.EventFailed)
			return outcomes, fmt.Errorf("wait for reconcile slot: %w", err)
		}

		start := time.Now()
		out, err := d.reconciler.Reconcile(ctx, size)
		metrics.RecordReconcile(string(size), string(out.Strategy), err, time.Since(start))
		metrics.SetBreakerOpen(d.reconciler.BreakerOpen())
		outcomes = append(outcomes, out)
		if err != nil {
			d.recordFailure(size, err)
			metrics.RecordEvent(metrics.EventFailed)
			return outcomes, fmt.Errorf("reconcile %s for event %s/%s: %w", size, ev.Namespace, ev.Name, err)
		}
		d.recordSuccess(out)
		logger.Info("Size applied", "size", size, "phase", out.Phase, "dryRun", out.DryRun)
	}
	metrics.RecordEvent(metrics.EventApplied)
	return outcomes, nil
}

func (d *Dispatcher) recordSuccess(out actuator.Outcome) {
	if d.recorder == nil || out.DryRun {
		return
	}
	d.recorder.Eventf(d.deploymentRef(), corev1.EventTypeNormal, ReasonSizingApplied,
		"Deployment set to %s profile (%s), strategy %s", out.Size, out.Size.Profile().String(), out.Strategy)
}

func (d *Dispatcher) recordFailure(size sizing.SizeClass, err error) {
	if d.recorder == nil {
		return
	}
	d.recorder.Eventf(d.deploymentRef(), corev1.EventTypeWarning, ReasonSizingFailed,
		"Failed to apply %s profile: %v", size, err)
}

func (d *Dispatcher) deploymentRef() *corev1.ObjectReference {
	id := d.reconciler.Identity()
	return &corev1.ObjectReference{
		APIVersion: "apps/v1",
		Kind:       "Deployment",
		Namespace:  id.Namespace,
		Name:       id.Name,
	}
}
