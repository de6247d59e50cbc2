package cluster

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/remotecommand"

	"github.com/krystianslowik/n8n-k8s-version-manager/internal/domain"
)

// Database credentials provisioned by the helm chart for every isolated
// per-version database.
const (
	dumpUser     = "n8n"
	dumpDatabase = "n8n"
)

// ExecToWriter runs a command inside a pod container and streams stdout to w.
func (c *Client) ExecToWriter(ctx context.Context, namespace, pod, container string, command []string, w io.Writer) error {
	req := c.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(pod).
		Namespace(namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: container,
			Command:   command,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(c.restCfg, "POST", req.URL())
	if err != nil {
		return fmt.Errorf("create executor: %w", err)
	}

	var stderr bytes.Buffer
	err = executor.StreamWithContext(ctx, remotecommand.StreamOptions{Stdout: w, Stderr: &stderr})
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("exec %s in %s/%s: %w: %s", command[0], namespace, pod, err, msg)
		}
		return fmt.Errorf("exec %s in %s/%s: %w", command[0], namespace, pod, err)
	}
	return nil
}

// DumpDatabase streams a pg_dump of the namespace's isolated database to w.
// The dump runs inside the postgres pod so no database port needs exposing.
func (c *Client) DumpDatabase(ctx context.Context, namespace string, w io.Writer) error {
	pods, err := c.ListPods(ctx, namespace)
	if err != nil {
		return err
	}
	var target string
	for _, pod := range pods {
		if strings.HasPrefix(pod.Name, podPrefixPostgres) && IsPodRunning(pod) {
			target = pod.Name
			break
		}
	}
	if target == "" {
		return fmt.Errorf("%w: no running postgres pod in %s", domain.ErrUnavailable, namespace)
	}
	command := []string{"pg_dump", "-U", dumpUser, "-d", dumpDatabase, "--clean", "--if-exists"}
	return c.ExecToWriter(ctx, namespace, target, "postgres", command, w)
}
