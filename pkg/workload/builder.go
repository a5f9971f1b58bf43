package workload

// Package workload assembles the desired Deployment for a resource profile.
// Descriptors are value objects: a fresh one is built for every reconciliation.

import (
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"

	"sabresizer/pkg/sizing"
)

const (
	// ManagedByLabel marks deployments written by this tool.
	ManagedByLabel = "app.kubernetes.io/managed-by"
	ManagedByValue = "sabresizer"

	// ProfileAnnotation records the applied cpu/memory/replicas triple.
	ProfileAnnotation = "sabresizer.io/size-profile"
)

// Build returns the Deployment for profile under id. Only resource requests are
// set; the container is never capped with limits.
func Build(profile sizing.ResourceProfile, id Identity) (*appsv1.Deployment, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if profile.Replicas < 1 {
		return nil, fmt.Errorf("replica count must be positive, got %d", profile.Replicas)
	}
	requests, err := profile.Requests()
	if err != nil {
		return nil, fmt.Errorf("build resource requests: %w", err)
	}

	selector := copyLabels(id.Labels)
	objectLabels := copyLabels(id.Labels)
	objectLabels[ManagedByLabel] = ManagedByValue

	return &appsv1.Deployment{
		TypeMeta: metav1.TypeMeta{
			APIVersion: appsv1.SchemeGroupVersion.String(),
			Kind:       "Deployment",
		},
		ObjectMeta: metav1.ObjectMeta{
			Name:      id.Name,
			Namespace: id.Namespace,
			Labels:    objectLabels,
			Annotations: map[string]string{
				ProfileAnnotation: profile.String(),
			},
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr.To(profile.Replicas),
			Selector: &metav1.LabelSelector{
				MatchLabels: selector,
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: copyLabels(id.Labels),
				},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:    id.ContainerName,
						Image:   id.Image,
						Command: append([]string(nil), id.Command...),
						Resources: corev1.ResourceRequirements{
							Requests: requests,
						},
					}},
				},
			},
		},
	}, nil
}

// BuildForSize is Build with the profile looked up from the size catalog.
func BuildForSize(size sizing.SizeClass, id Identity) (*appsv1.Deployment, error) {
	return Build(size.Profile(), id)
}

// ProfileOf reads the applied profile back from a live deployment. The second
// return is false when the deployment was not written by Build.
func ProfileOf(d *appsv1.Deployment) (sizing.ResourceProfile, bool) {
	if d == nil || len(d.Spec.Template.Spec.Containers) == 0 {
		return sizing.ResourceProfile{}, false
	}
	requests := d.Spec.Template.Spec.Containers[0].Resources.Requests
	cpu, hasCPU := requests[corev1.ResourceCPU]
	mem, hasMem := requests[corev1.ResourceMemory]
	if !hasCPU || !hasMem || d.Spec.Replicas == nil {
		return sizing.ResourceProfile{}, false
	}
	return sizing.ResourceProfile{
		CPURequest:    cpu.String(),
		MemoryRequest: mem.String(),
		Replicas:      *d.Spec.Replicas,
	}, true
}

func copyLabels(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
