package emitter

// Package emitter creates the sizing-request events the controller reacts to.
// It is test tooling for manufacturing signals, not part of reconciliation.

import (
	"context"
	"fmt"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// NameMarker is embedded in the name of every emitted event.
const NameMarker = "reportingproblemsize"

// Component is the event source component of emitted events.
const Component = "sabresizer-emit"

// Options describes where the event is recorded.
type Options struct {
	Namespace    string
	InvolvedKind string
	InvolvedName string

	// Now is overridable for tests.
	Now func() time.Time
}

// DefaultOptions targets the sabrelabs pod in the default namespace.
func DefaultOptions() Options {
	return Options{
		Namespace:    "default",
		InvolvedKind: "Pod",
		InvolvedName: "sabrelabs",
		Now:          time.Now,
	}
}

// HasMarker reports whether an event name was produced by this package.
func HasMarker(name string) bool {
	return strings.Contains(strings.ToLower(name), NameMarker)
}

// NewEvent returns the event requesting size. The reason embeds size verbatim
// so that any value, known or not, reaches the intent parser unchanged.
func NewEvent(size string, opts Options) *corev1.Event {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	ts := metav1.NewTime(now().UTC().Truncate(time.Second))

	return &corev1.Event{
		ObjectMeta: metav1.ObjectMeta{
			Name:      fmt.Sprintf("pod-podname-%s-%d", NameMarker, now().UnixNano()),
			Namespace: opts.Namespace,
		},
		InvolvedObject: corev1.ObjectReference{
			Kind:      opts.InvolvedKind,
			Name:      opts.InvolvedName,
			Namespace: opts.Namespace,
		},
		Reason:         fmt.Sprintf("SetProblemSize(%s)", size),
		Message:        fmt.Sprintf("%s: Setting problem size to %s", ts.Format(time.RFC3339), size),
		Type:           corev1.EventTypeNormal,
		Count:          1,
		FirstTimestamp: ts,
		LastTimestamp:  ts,
		Source: corev1.EventSource{
			Component: Component,
		},
	}
}

// Emit creates the event for size on the cluster.
func Emit(ctx context.Context, client kubernetes.Interface, size string, opts Options) (*corev1.Event, error) {
	if size == "" {
		return nil, fmt.Errorf("size is required")
	}
	if opts.Namespace == "" {
		opts.Namespace = "default"
	}
	created, err := client.CoreV1().Events(opts.Namespace).Create(ctx, NewEvent(size, opts), metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}
	return created, nil
}
