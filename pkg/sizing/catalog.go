package sizing

// Package sizing maps a sizing keyword to the resource profile applied to the
// managed deployment. Lookups never fail: anything that is not a known size
// resolves to the small profile.

import (
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
)

// SizeClass is a sizing tag carried by an event reason or the CLI.
type SizeClass string

const (
	Small  SizeClass = "small"
	Medium SizeClass = "medium"
	Big    SizeClass = "big"
)

// ResourceProfile is the resource footprint applied for a SizeClass.
type ResourceProfile struct {
	CPURequest    string
	MemoryRequest string
	Replicas      int32
}

var catalog = map[SizeClass]ResourceProfile{
	Small:  {CPURequest: "200m", MemoryRequest: "500Mi", Replicas: 1},
	Medium: {CPURequest: "300m", MemoryRequest: "1Gi", Replicas: 2},
	Big:    {CPURequest: "400m", MemoryRequest: "1500Mi", Replicas: 3},
}

// Classes returns the known size classes in checking order.
func Classes() []SizeClass {
	return []SizeClass{Small, Medium, Big}
}

// ParseSizeClass resolves a keyword to a SizeClass, falling back to Small.
func ParseSizeClass(keyword string) SizeClass {
	if _, ok := catalog[SizeClass(keyword)]; ok {
		return SizeClass(keyword)
	}
	return Small
}

// Lookup returns the profile for keyword. Unrecognized keywords get the small profile.
func Lookup(keyword string) ResourceProfile {
	return catalog[ParseSizeClass(keyword)]
}

// Profile returns the profile for the class.
func (c SizeClass) Profile() ResourceProfile {
	return Lookup(string(c))
}

// Requests parses the profile into a container resource list.
func (p ResourceProfile) Requests() (corev1.ResourceList, error) {
	cpu, err := resource.ParseQuantity(p.CPURequest)
	if err != nil {
		return nil, fmt.Errorf("invalid cpu request %q: %w", p.CPURequest, err)
	}
	mem, err := resource.ParseQuantity(p.MemoryRequest)
	if err != nil {
		return nil, fmt.Errorf("invalid memory request %q: %w", p.MemoryRequest, err)
	}
	return corev1.ResourceList{
		corev1.ResourceCPU:    cpu,
		corev1.ResourceMemory: mem,
	}, nil
}

// String renders the profile as cpu/memory/replicas.
func (p ResourceProfile) String() string {
	return fmt.Sprintf("%s/%s/%d", p.CPURequest, p.MemoryRequest, p.Replicas)
}
