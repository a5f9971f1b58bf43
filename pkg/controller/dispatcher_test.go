package controller

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"golang.org/x/time/rate"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/wait"
	k8sfake "k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
	"k8s.io/client-go/tools/record"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"sabresizer/pkg/actuator"
	"sabresizer/pkg/intent"
	"sabresizer/pkg/sizing"
	"sabresizer/pkg/workload"
)

func makeEvent(name, reason string) *corev1.Event {
	return &corev1.Event{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default"},
		Reason:     reason,
		Type:       corev1.EventTypeNormal,
	}
}

func newTestActuator(client *k8sfake.Clientset) *actuator.Reconciler {
	r, err := actuator.NewReconciler(client, workload.DefaultIdentity(), actuator.Options{
		Backoff: wait.Backoff{Steps: 1, Duration: time.Millisecond},
	})
	Expect(err).NotTo(HaveOccurred())
	return r
}

func deploymentVerbs(client *k8sfake.Clientset) []string {
	var verbs []string
	for _, a := range client.Actions() {
		if a.GetResource().Resource == "deployments" {
			verbs = append(verbs, a.GetVerb())
		}
	}
	return verbs
}

func liveDeployment(client *k8sfake.Clientset) *appsv1.Deployment {
	d, err := client.AppsV1().Deployments("default").Get(context.Background(), workload.DefaultName, metav1.GetOptions{})
	Expect(err).NotTo(HaveOccurred())
	return d
}

func gaugeValue(name string) float64 {
	families, err := ctrlmetrics.Registry.Gather()
	Expect(err).NotTo(HaveOccurred())
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	Fail("metric " + name + " not registered")
	return 0
}

var _ = Describe("Dispatcher", func() {
	var (
		ctx        context.Context
		client     *k8sfake.Clientset
		recorder   *record.FakeRecorder
		dispatcher *Dispatcher
	)

	BeforeEach(func() {
		ctx = context.Background()
		client = k8sfake.NewSimpleClientset()
		recorder = record.NewFakeRecorder(10)

		var err error
		dispatcher, err = NewDispatcher(newTestActuator(client), DispatcherOptions{
			Recorder:         recorder,
			IgnoredComponent: "sabresizer",
		})
		Expect(err).NotTo(HaveOccurred())
	})

	Context("with a single size in the reason", func() {
		It("should create the deployment with the matching profile", func() {
			outcomes, err := dispatcher.OnEvent(ctx, makeEvent("e1", "resize to medium"))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcomes).To(HaveLen(1))
			Expect(outcomes[0].Phase).To(Equal(actuator.PhasePresent))

			Expect(deploymentVerbs(client)).To(Equal([]string{"list", "create"}))
			d := liveDeployment(client)
			Expect(*d.Spec.Replicas).To(Equal(int32(2)))
			Expect(recorder.Events).To(Receive(HavePrefix("Normal SizingApplied")))
		})
	})

	Context("with several sizes in the reason", func() {
		It("should reconcile each in catalog order so the last match wins", func() {
			outcomes, err := dispatcher.OnEvent(ctx, makeEvent("e2", "big then small"))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcomes).To(HaveLen(2))
			Expect(outcomes[0].Size).To(Equal(sizing.Small))
			Expect(outcomes[1].Size).To(Equal(sizing.Big))
			Expect(outcomes[1].PreviousExisted).To(BeTrue())

			Expect(deploymentVerbs(client)).To(Equal([]string{"list", "create", "list", "delete", "create"}))
			d := liveDeployment(client)
			Expect(*d.Spec.Replicas).To(Equal(int32(3)))
			Expect(d.Spec.Template.Spec.Containers[0].Resources.Requests.Cpu().String()).To(Equal("400m"))
		})
	})

	Context("without a size in the reason", func() {
		It("should not touch the cluster", func() {
			outcomes, err := dispatcher.OnEvent(ctx, makeEvent("e3", "Scheduled"))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcomes).To(BeEmpty())
			Expect(client.Actions()).To(BeEmpty())
			Expect(recorder.Events).NotTo(Receive())
		})

		It("should be case-sensitive in substring mode", func() {
			outcomes, err := dispatcher.OnEvent(ctx, makeEvent("e4", "BIG"))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcomes).To(BeEmpty())
		})
	})

	Context("when the control plane rejects a create", func() {
		BeforeEach(func() {
			client.PrependReactor("create", "deployments", func(k8stesting.Action) (bool, runtime.Object, error) {
				return true, nil, apierrors.NewForbidden(schema.GroupResource{Group: "apps", Resource: "deployments"}, workload.DefaultName, errors.New("denied"))
			})
		})

		It("should stop at the first failure and return a transport error", func() {
			outcomes, err := dispatcher.OnEvent(ctx, makeEvent("e5", "small medium big"))
			Expect(err).To(HaveOccurred())
			Expect(outcomes).To(HaveLen(1))
			Expect(outcomes[0].Phase).To(Equal(actuator.PhaseCreating))

			var te *actuator.TransportError
			Expect(errors.As(err, &te)).To(BeTrue())
			Expect(te.Op).To(Equal("create"))
			Expect(apierrors.IsForbidden(err)).To(BeTrue())

			Expect(deploymentVerbs(client)).To(Equal([]string{"list", "create"}))
			Expect(recorder.Events).To(Receive(HavePrefix("Warning SizingFailed")))
		})
	})

	Context("with events from the ignored component", func() {
		It("should skip them", func() {
			ev := makeEvent("e6", "SizingApplied big")
			ev.Source.Component = "sabresizer"
			Expect(dispatcher.Ignored(ev)).To(BeTrue())

			outcomes, err := dispatcher.OnEvent(ctx, ev)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcomes).To(BeEmpty())
			Expect(client.Actions()).To(BeEmpty())
		})
	})

	Context("with token matching", func() {
		It("should ignore sizes embedded in longer words", func() {
			d, err := NewDispatcher(newTestActuator(client), DispatcherOptions{Parser: intent.NewParser(intent.ModeToken)})
			Expect(err).NotTo(HaveOccurred())

			outcomes, err := d.OnEvent(ctx, makeEvent("e7", "smaller bigger medium"))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcomes).To(HaveLen(1))
			Expect(outcomes[0].Size).To(Equal(sizing.Medium))
		})
	})

	Context("when the context is cancelled before a slot is free", func() {
		It("should return without reconciling", func() {
			d, err := NewDispatcher(newTestActuator(client), DispatcherOptions{Limiter: rate.NewLimiter(rate.Every(time.Hour), 1)})
			Expect(err).NotTo(HaveOccurred())

			cancelled, cancel := context.WithCancel(ctx)
			cancel()

			outcomes, err := d.OnEvent(cancelled, makeEvent("e8", "small"))
			Expect(err).To(MatchError(context.Canceled))
			Expect(outcomes).To(BeEmpty())
			Expect(client.Actions()).To(BeEmpty())
		})
	})

	Context("when failures trip the breaker", func() {
		It("should report it open from the tripping call on", func() {
			client.PrependReactor("list", "deployments", func(k8stesting.Action) (bool, runtime.Object, error) {
				return true, nil, apierrors.NewForbidden(schema.GroupResource{Group: "apps", Resource: "deployments"}, "", errors.New("rbac"))
			})
			r, err := actuator.NewReconciler(client, workload.DefaultIdentity(), actuator.Options{
				Backoff:          wait.Backoff{Steps: 1, Duration: time.Millisecond},
				BreakerThreshold: 1,
				BreakerCooldown:  time.Hour,
			})
			Expect(err).NotTo(HaveOccurred())
			d, err := NewDispatcher(r, DispatcherOptions{})
			Expect(err).NotTo(HaveOccurred())

			_, err = d.OnEvent(ctx, makeEvent("trip", "small"))
			var te *actuator.TransportError
			Expect(errors.As(err, &te)).To(BeTrue())
			Expect(gaugeValue("sabresizer_breaker_open")).To(Equal(1.0))

			_, err = d.OnEvent(ctx, makeEvent("rejected", "small"))
			Expect(err).To(MatchError(actuator.ErrCircuitOpen))
			Expect(gaugeValue("sabresizer_breaker_open")).To(Equal(1.0))
		})

		It("should report it closed after a successful pass", func() {
			_, err := dispatcher.OnEvent(ctx, makeEvent("ok", "small"))
			Expect(err).NotTo(HaveOccurred())
			Expect(gaugeValue("sabresizer_breaker_open")).To(Equal(0.0))
		})
	})

	It("should require a reconciler", func() {
		_, err := NewDispatcher(nil, DispatcherOptions{})
		Expect(err).To(HaveOccurred())
	})
})
