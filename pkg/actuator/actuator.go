package actuator

// Package actuator brings the managed deployment to the resource profile of a
// size class. It is free of CLI and controller concerns so it can be driven by
// the one-shot CLI and by the event controller alike.
//
// The default strategy is destroy-and-recreate: every deployment named like the
// managed identity is deleted, then a fresh descriptor is created. The workload
// is unavailable between the two steps and nothing is rolled back if the create
// fails. StrategyUpdate replaces the gap with a resourceVersion-guarded update.

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	apiequality "k8s.io/apimachinery/pkg/api/equality"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"
	"k8s.io/klog/v2"
	"k8s.io/utils/ptr"

	"sabresizer/pkg/sizing"
	"sabresizer/pkg/workload"
)

// Strategy selects how the live deployment is converged.
type Strategy string

const (
	// StrategyRecreate deletes the existing deployment and creates a new one.
	StrategyRecreate Strategy = "recreate"
	// StrategyUpdate updates the existing deployment in place.
	StrategyUpdate Strategy = "update"
)

// ParseStrategy validates a strategy name. Empty means recreate.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", StrategyRecreate:
		return StrategyRecreate, nil
	case StrategyUpdate:
		return StrategyUpdate, nil
	default:
		return "", fmt.Errorf("invalid reconcile strategy %q (must be %q or %q)", s, StrategyRecreate, StrategyUpdate)
	}
}

// Phase is the last state a reconciliation reached.
type Phase string

const (
	PhaseAbsent   Phase = "Absent"
	PhaseDeleting Phase = "Deleting"
	PhaseCreating Phase = "Creating"
	PhasePresent  Phase = "Present"
)

// Options configures how reconciliations are applied.
type Options struct {
	// Strategy defaults to StrategyRecreate.
	Strategy Strategy

	// DryRun, when true, lists and builds but never mutates the cluster.
	DryRun bool

	// Backoff governs retries of transient API failures. Steps <= 1 disables retries.
	Backoff wait.Backoff

	// BreakerThreshold is the number of consecutive failed reconciliations
	// after which calls are rejected for BreakerCooldown. Zero disables the breaker.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		Strategy: StrategyRecreate,
		Backoff: wait.Backoff{
			Steps:    3,
			Duration: 200 * time.Millisecond,
			Factor:   2.0,
			Jitter:   0.1,
		},
		BreakerThreshold: 5,
		BreakerCooldown:  time.Minute,
	}
}

// Outcome is the result of one reconciliation pass.
type Outcome struct {
	Size     sizing.SizeClass
	Strategy Strategy
	DryRun   bool

	// PreviousExisted reports whether a deployment with the managed name was found.
	PreviousExisted bool
	// Deleted counts the delete calls accepted by the API server.
	Deleted int
	// Descriptor is the desired deployment submitted (or, on dry-run, that would be).
	Descriptor *appsv1.Deployment
	// Phase is where the pass stopped; PhasePresent on success. An in-place
	// update that fails leaves PhasePresent since the old object is still live.
	Phase Phase
}

// Reconciler converges one workload identity. Calls to Reconcile on the same
// Reconciler are serialized.
type Reconciler struct {
	client   kubernetes.Interface
	identity workload.Identity
	opts     Options

	mu      sync.Mutex
	breaker *breaker
}

// NewReconciler validates identity and options and returns a Reconciler.
func NewReconciler(client kubernetes.Interface, identity workload.Identity, opts Options) (*Reconciler, error) {
	if client == nil {
		return nil, fmt.Errorf("kubernetes client is required")
	}
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	strategy, err := ParseStrategy(string(opts.Strategy))
	if err != nil {
		return nil, err
	}
	opts.Strategy = strategy
	if opts.Backoff.Steps < 1 {
		opts.Backoff.Steps = 1
	}

	return &Reconciler{
		client:   client,
		identity: identity,
		opts:     opts,
		breaker:  newBreaker(opts.BreakerThreshold, opts.BreakerCooldown),
	}, nil
}

// Identity returns the workload this reconciler manages.
func (r *Reconciler) Identity() workload.Identity {
	return r.identity
}

// BreakerOpen reports whether reconciliations are currently rejected.
func (r *Reconciler) BreakerOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.breaker.open()
}

// Reconcile brings the managed deployment to the profile of size.
//
// Control-plane failures are returned as *TransportError and abort the pass
// immediately. There is no rollback: if the delete was accepted and the create
// failed, the workload stays absent until the next successful pass.
func (r *Reconciler) Reconcile(ctx context.Context, size sizing.SizeClass) (Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := Outcome{
		Size:     size,
		Strategy: r.opts.Strategy,
		DryRun:   r.opts.DryRun,
		Phase:    PhaseAbsent,
	}

	if err := r.breaker.allow(); err != nil {
		return out, err
	}

	desired, err := workload.BuildForSize(size, r.identity)
	if err != nil {
		return out, fmt.Errorf("build deployment: %w", err)
	}
	out.Descriptor = desired

	switch {
	case r.opts.DryRun:
		err = r.plan(ctx, &out)
	case r.opts.Strategy == StrategyUpdate:
		err = r.update(ctx, &out)
	default:
		err = r.recreate(ctx, &out)
	}

	r.breaker.record(err)
	return out, err
}

// recreate deletes every deployment carrying the managed name, then creates
// the desired one.
func (r *Reconciler) recreate(ctx context.Context, out *Outcome) error {
	logger := klog.FromContext(ctx).WithValues("deployment", r.identity.String(), "size", out.Size)

	matches, err := r.findExisting(ctx)
	if err != nil {
		return err
	}
	out.PreviousExisted = len(matches) > 0

	if out.PreviousExisted {
		out.Phase = PhaseDeleting
		for _, name := range matches {
			logger.Info("Deleting previous deployment")
			// A retry that finds the object gone means an earlier attempt was
			// applied before its response was lost.
			var retried bool
			if err := r.call("delete", name, isTransient, func() error {
				err := r.client.AppsV1().Deployments(r.identity.Namespace).Delete(ctx, name, metav1.DeleteOptions{
					PropagationPolicy: ptr.To(metav1.DeletePropagationBackground),
				})
				if retried && apierrors.IsNotFound(err) {
					return nil
				}
				retried = isTransient(err)
				return err
			}); err != nil {
				return err
			}
			out.Deleted++
		}
	}

	out.Phase = PhaseCreating
	if err := r.call("create", r.identity.Name, isTransient, func() error {
		_, err := r.client.AppsV1().Deployments(r.identity.Namespace).Create(ctx, out.Descriptor.DeepCopy(), metav1.CreateOptions{})
		return err
	}); err != nil {
		return err
	}
	out.Phase = PhasePresent

	logger.Info("Deployment created", "profile", out.Size.Profile().String(), "replaced", out.PreviousExisted)
	return nil
}

// update mutates the live deployment in place. Conflicts re-read the object
// and try again. A deployment whose selector differs cannot be updated and is
// recreated instead.
func (r *Reconciler) update(ctx context.Context, out *Outcome) error {
	logger := klog.FromContext(ctx).WithValues("deployment", r.identity.String(), "size", out.Size)
	deployments := r.client.AppsV1().Deployments(r.identity.Namespace)
	desired := out.Descriptor

	backoff := r.opts.Backoff
	if backoff.Steps < retry.DefaultRetry.Steps {
		backoff = retry.DefaultRetry
	}

	var selectorChanged bool
	err := retry.OnError(backoff, isConflictOrTransient, func() error {
		current, err := deployments.Get(ctx, r.identity.Name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			out.PreviousExisted = false
			out.Phase = PhaseCreating
			_, err = deployments.Create(ctx, desired.DeepCopy(), metav1.CreateOptions{})
			return err
		}
		if err != nil {
			return err
		}
		out.PreviousExisted = true
		out.Phase = PhasePresent

		if !apiequality.Semantic.DeepEqual(current.Spec.Selector, desired.Spec.Selector) {
			selectorChanged = true
			return nil
		}

		next := current.DeepCopy()
		next.Labels = desired.Labels
		if next.Annotations == nil {
			next.Annotations = map[string]string{}
		}
		for k, v := range desired.Annotations {
			next.Annotations[k] = v
		}
		next.Spec.Replicas = desired.Spec.Replicas
		next.Spec.Template = *desired.Spec.Template.DeepCopy()

		_, err = deployments.Update(ctx, next, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		return &TransportError{Op: "update", Namespace: r.identity.Namespace, Name: r.identity.Name, Err: err}
	}

	if selectorChanged {
		logger.Info("Selector changed, falling back to recreate")
		return r.recreate(ctx, out)
	}

	out.Phase = PhasePresent
	logger.Info("Deployment updated", "profile", out.Size.Profile().String(), "existed", out.PreviousExisted)
	return nil
}

// plan observes the cluster without mutating it.
func (r *Reconciler) plan(ctx context.Context, out *Outcome) error {
	matches, err := r.findExisting(ctx)
	if err != nil {
		return err
	}
	out.PreviousExisted = len(matches) > 0
	if out.PreviousExisted {
		out.Phase = PhasePresent
	}
	klog.FromContext(ctx).V(2).Info("Dry-run: no changes applied",
		"deployment", r.identity.String(), "size", out.Size, "existing", out.PreviousExisted)
	return nil
}

// findExisting lists deployments in the managed namespace and returns the
// names equal to the managed name.
func (r *Reconciler) findExisting(ctx context.Context) ([]string, error) {
	var list *appsv1.DeploymentList
	if err := r.call("list", "", isTransient, func() error {
		var err error
		list, err = r.client.AppsV1().Deployments(r.identity.Namespace).List(ctx, metav1.ListOptions{})
		return err
	}); err != nil {
		return nil, err
	}

	var names []string
	for _, d := range list.Items {
		if d.Name == r.identity.Name {
			names = append(names, d.Name)
		}
	}
	return names, nil
}

// call runs fn with the configured backoff for retriable errors and wraps a
// final failure in a TransportError.
func (r *Reconciler) call(op, name string, retriable func(error) bool, fn func() error) error {
	if err := retry.OnError(r.opts.Backoff, retriable, fn); err != nil {
		return &TransportError{Op: op, Namespace: r.identity.Namespace, Name: name, Err: err}
	}
	return nil
}

// isTransient reports whether err is worth retrying without changing the request.
func isTransient(err error) bool {
	return apierrors.IsServerTimeout(err) ||
		apierrors.IsTimeout(err) ||
		apierrors.IsTooManyRequests(err) ||
		apierrors.IsServiceUnavailable(err) ||
		apierrors.IsInternalError(err)
}

func isConflictOrTransient(err error) bool {
	return apierrors.IsConflict(err) || isTransient(err)
}

func isTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
