package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/event"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/predicate"

	"sabresizer/pkg/actuator"
)

// ControllerName names the controller in logs and leader election.
const ControllerName = "sizing-events"

// EventReconciler dispatches every newly observed Event exactly once.
type EventReconciler struct {
	client.Client
	Dispatcher *Dispatcher

	// SkipPreexisting drops events created before StartedAt.
	SkipPreexisting bool
	StartedAt       time.Time
}

// SetupWithManager sets up the controller with the Manager. Only creations are
// handled and one event is processed at a time.
func (r *EventReconciler) SetupWithManager(mgr ctrl.Manager) error {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	return ctrl.NewControllerManagedBy(mgr).
		Named(ControllerName).
		For(&corev1.Event{}, builder.WithPredicates(r.Predicates())).
		WithOptions(controller.Options{MaxConcurrentReconciles: 1}).
		Complete(r)
}

// Predicates admits create notifications of events the dispatcher accepts.
func (r *EventReconciler) Predicates() predicate.Funcs {
	return predicate.Funcs{
		CreateFunc: func(e event.CreateEvent) bool {
			ev, ok := e.Object.(*corev1.Event)
			if !ok || r.Dispatcher.Ignored(ev) {
				return false
			}
			if r.SkipPreexisting && observedAt(ev).Before(r.StartedAt) {
				return false
			}
			return true
		},
		UpdateFunc:  func(event.UpdateEvent) bool { return false },
		DeleteFunc:  func(event.DeleteEvent) bool { return false },
		GenericFunc: func(event.GenericEvent) bool { return false },
	}
}

// Reconcile fetches the event and hands it to the dispatcher. Failures of the
// sizing pass are logged and not retried on behalf of the event.
func (r *EventReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	ev := &corev1.Event{}
	if err := r.Get(ctx, req.NamespacedName, ev); err != nil {
		if apierrors.IsNotFound(err) {
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, fmt.Errorf("get Event: %w", err)
	}

	outcomes, err := r.Dispatcher.OnEvent(ctx, ev)
	if err != nil {
		var te *actuator.TransportError
		switch {
		case errors.As(err, &te):
			logger.Error(err, "Control plane rejected sizing", "op", te.Op, "transient", te.Transient(), "applied", len(outcomes)-1)
		case errors.Is(err, actuator.ErrCircuitOpen):
			logger.Info("Sizing suspended after repeated failures", "error", err.Error())
		default:
			logger.Error(err, "Sizing failed")
		}
	}
	return ctrl.Result{}, nil
}

// observedAt is the earliest timestamp the event carries.
func observedAt(ev *corev1.Event) time.Time {
	switch {
	case !ev.CreationTimestamp.IsZero():
		return ev.CreationTimestamp.Time
	case !ev.FirstTimestamp.IsZero():
		return ev.FirstTimestamp.Time
	case !ev.EventTime.IsZero():
		return ev.EventTime.Time
	default:
		return ev.LastTimestamp.Time
	}
}
