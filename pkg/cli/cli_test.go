package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes"
	k8sfake "k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"sabresizer/pkg/workload"
)

func newTestApp(client kubernetes.Interface) (*App, *bytes.Buffer) {
	var out bytes.Buffer
	return &App{
		Out: &out,
		NewClient: func(string) (kubernetes.Interface, error) {
			return client, nil
		},
	}, &out
}

func execute(cmd *cobra.Command, args ...string) error {
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	return cmd.Execute()
}

func createCount(client *k8sfake.Clientset) int {
	n := 0
	for _, a := range client.Actions() {
		if a.GetVerb() == "create" && a.GetResource().Resource == "deployments" {
			n++
		}
	}
	return n
}

func TestRoot_AppliesSize(t *testing.T) {
	client := k8sfake.NewSimpleClientset()
	app, out := newTestApp(client)

	require.NoError(t, execute(app.NewRootCommand(), "big"))

	d, err := client.AppsV1().Deployments("default").Get(context.Background(), workload.DefaultName, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(3), *d.Spec.Replicas)
	assert.Contains(t, out.String(), "set to big (400m/1500Mi/3)")
}

func TestRoot_UnknownSizeFallsBackToSmall(t *testing.T) {
	client := k8sfake.NewSimpleClientset()
	app, _ := newTestApp(client)

	require.NoError(t, execute(app.NewRootCommand(), "huge"))

	d, err := client.AppsV1().Deployments("default").Get(context.Background(), workload.DefaultName, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), *d.Spec.Replicas)
	assert.Equal(t, "200m", d.Spec.Template.Spec.Containers[0].Resources.Requests.Cpu().String())
}

func TestRoot_DryRunRendersYAML(t *testing.T) {
	client := k8sfake.NewSimpleClientset()
	app, out := newTestApp(client)

	require.NoError(t, execute(app.NewRootCommand(), "--dry-run", "--workload-namespace=sizing", "medium"))

	assert.Equal(t, 0, createCount(client))
	assert.Contains(t, out.String(), "kind: Deployment")
	assert.Contains(t, out.String(), "namespace: sizing")
	assert.Contains(t, out.String(), "replicas: 2")
}

func TestRoot_PropagatesControlPlaneFailure(t *testing.T) {
	client := k8sfake.NewSimpleClientset()
	client.PrependReactor("create", "deployments", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewForbidden(schema.GroupResource{Group: "apps", Resource: "deployments"}, workload.DefaultName, errors.New("denied"))
	})
	app, out := newTestApp(client)

	err := execute(app.NewRootCommand(), "small")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reconcile small")
	assert.True(t, apierrors.IsForbidden(err))
	assert.Empty(t, out.String())
}

func TestRoot_RequiresOneSize(t *testing.T) {
	app, _ := newTestApp(k8sfake.NewSimpleClientset())

	assert.Error(t, execute(app.NewRootCommand()))
	assert.Error(t, execute(app.NewRootCommand(), "small", "big"))
}

func TestShow(t *testing.T) {
	client := k8sfake.NewSimpleClientset()
	app, out := newTestApp(client)

	require.NoError(t, execute(app.NewRootCommand(), "show"))
	assert.Contains(t, out.String(), "deployment default/testpod is absent")

	out.Reset()
	require.NoError(t, execute(app.NewRootCommand(), "medium"))
	out.Reset()
	require.NoError(t, execute(app.NewRootCommand(), "show"))

	assert.Contains(t, out.String(), "replicas=2")
	assert.Contains(t, out.String(), "profile=300m/1Gi/2")
	assert.Contains(t, out.String(), "request.cpu=300m  request.memory=1Gi")
	assert.Contains(t, out.String(), "limit.cpu=-")
}

func TestEmit(t *testing.T) {
	client := k8sfake.NewSimpleClientset()
	app, out := newTestApp(client)

	require.NoError(t, execute(app.NewEmitCommand(), "--namespace=sizing", "big"))

	events, err := client.CoreV1().Events("sizing").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	require.Len(t, events.Items, 1)
	assert.Equal(t, "SetProblemSize(big)", events.Items[0].Reason)
	assert.Contains(t, out.String(), "Setting problem size to big")
}
