package workload

import (
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/types"
)

const (
	DefaultName          = "testpod"
	DefaultNamespace     = "default"
	DefaultAppLabel      = "sabrelabs"
	DefaultContainerName = "resource-consuming-container"
	DefaultImage         = "busybox"
)

// DefaultCommand keeps the placeholder container alive for an hour.
var DefaultCommand = []string{"sleep", "3600"}

// Identity names the single deployment a reconciler manages and the fixed
// parts of its pod template.
type Identity struct {
	Name          string
	Namespace     string
	Labels        map[string]string
	ContainerName string
	Image         string
	Command       []string
}

// DefaultIdentity returns the identity of the stock sabrelabs workload.
func DefaultIdentity() Identity {
	return Identity{
		Name:          DefaultName,
		Namespace:     DefaultNamespace,
		Labels:        map[string]string{"app": DefaultAppLabel},
		ContainerName: DefaultContainerName,
		Image:         DefaultImage,
		Command:       append([]string(nil), DefaultCommand...),
	}
}

// Key returns the namespaced name of the managed deployment.
func (id Identity) Key() types.NamespacedName {
	return types.NamespacedName{Namespace: id.Namespace, Name: id.Name}
}

func (id Identity) String() string {
	return id.Key().String()
}

// Validate checks that the identity can produce a valid deployment.
func (id Identity) Validate() error {
	var problems []string
	if id.Name == "" {
		problems = append(problems, "name is required")
	}
	if id.Namespace == "" {
		problems = append(problems, "namespace is required")
	}
	if len(id.Labels) == 0 {
		problems = append(problems, "at least one selector label is required")
	}
	if id.ContainerName == "" {
		problems = append(problems, "container name is required")
	}
	if id.Image == "" {
		problems = append(problems, "image is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid workload identity: %s", strings.Join(problems, "; "))
	}
	return nil
}
