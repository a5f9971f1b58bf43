package controller

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	k8sfake "k8s.io/client-go/kubernetes/fake"
	"k8s.io/client-go/kubernetes/scheme"
	k8stesting "k8s.io/client-go/testing"
	ctrl "sigs.k8s.io/controller-runtime"
	crfake "sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/event"
)

var _ = Describe("EventReconciler", func() {
	var (
		ctx       context.Context
		clientset *k8sfake.Clientset
		started   time.Time
	)

	newReconciler := func(objs ...runtime.Object) *EventReconciler {
		d, err := NewDispatcher(newTestActuator(clientset), DispatcherOptions{IgnoredComponent: "sabresizer"})
		Expect(err).NotTo(HaveOccurred())
		return &EventReconciler{
			Client:     crfake.NewClientBuilder().WithScheme(scheme.Scheme).WithRuntimeObjects(objs...).Build(),
			Dispatcher: d,
			StartedAt:  started,
		}
	}

	request := func(name string) ctrl.Request {
		return ctrl.Request{NamespacedName: types.NamespacedName{Namespace: "default", Name: name}}
	}

	BeforeEach(func() {
		ctx = context.Background()
		clientset = k8sfake.NewSimpleClientset()
		started = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	})

	Describe("Reconcile", func() {
		It("should size the deployment from the event reason", func() {
			r := newReconciler(makeEvent("sized", "SetProblemSize(big)"))

			res, err := r.Reconcile(ctx, request("sized"))
			Expect(err).NotTo(HaveOccurred())
			Expect(res).To(Equal(ctrl.Result{}))

			d := liveDeployment(clientset)
			Expect(*d.Spec.Replicas).To(Equal(int32(3)))
		})

		It("should finish quietly when the event is gone", func() {
			r := newReconciler()

			res, err := r.Reconcile(ctx, request("missing"))
			Expect(err).NotTo(HaveOccurred())
			Expect(res).To(Equal(ctrl.Result{}))
			Expect(clientset.Actions()).To(BeEmpty())
		})

		It("should not requeue when the control plane fails", func() {
			clientset.PrependReactor("list", "deployments", func(k8stesting.Action) (bool, runtime.Object, error) {
				return true, nil, context.DeadlineExceeded
			})
			r := newReconciler(makeEvent("failing", "small"))

			res, err := r.Reconcile(ctx, request("failing"))
			Expect(err).NotTo(HaveOccurred())
			Expect(res).To(Equal(ctrl.Result{}))
			Expect(deploymentVerbs(clientset)).To(Equal([]string{"list"}))
		})
	})

	Describe("Predicates", func() {
		It("should admit created events only", func() {
			p := newReconciler().Predicates()
			ev := makeEvent("e", "small")

			Expect(p.Create(event.CreateEvent{Object: ev})).To(BeTrue())
			Expect(p.Update(event.UpdateEvent{ObjectOld: ev, ObjectNew: ev})).To(BeFalse())
			Expect(p.Delete(event.DeleteEvent{Object: ev})).To(BeFalse())
			Expect(p.Generic(event.GenericEvent{Object: ev})).To(BeFalse())
		})

		It("should reject events recorded by the controller itself", func() {
			ev := makeEvent("own", "SizingApplied")
			ev.Source.Component = "sabresizer"

			Expect(newReconciler().Predicates().Create(event.CreateEvent{Object: ev})).To(BeFalse())
		})

		It("should reject objects that are not events", func() {
			pod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "p", Namespace: "default"}}

			Expect(newReconciler().Predicates().Create(event.CreateEvent{Object: pod})).To(BeFalse())
		})

		Context("when pre-existing events are skipped", func() {
			It("should only admit events newer than the controller", func() {
				r := newReconciler()
				r.SkipPreexisting = true

				old := makeEvent("old", "small")
				old.CreationTimestamp = metav1.NewTime(started.Add(-time.Minute))
				fresh := makeEvent("fresh", "small")
				fresh.CreationTimestamp = metav1.NewTime(started.Add(time.Minute))

				Expect(r.Predicates().Create(event.CreateEvent{Object: old})).To(BeFalse())
				Expect(r.Predicates().Create(event.CreateEvent{Object: fresh})).To(BeTrue())
			})

			It("should fall back to the first timestamp", func() {
				ev := makeEvent("legacy", "small")
				ev.FirstTimestamp = metav1.NewTime(started.Add(-time.Hour))

				Expect(observedAt(ev)).To(Equal(ev.FirstTimestamp.Time))
			})
		})
	})
})
