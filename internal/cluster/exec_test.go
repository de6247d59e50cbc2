package cluster

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/krystianslowik/n8n-k8s-version-manager/internal/domain"
)

func TestDumpDatabaseNoRunningPostgres(t *testing.T) {
	pending := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "postgres-n8n-v1-92-0-0", Namespace: "n8n-v1-92-0"},
		Status:     corev1.PodStatus{Phase: corev1.PodPending},
	}
	cases := []struct {
		name      string
		clientset *fake.Clientset
	}{
		{"no pods at all", fake.NewSimpleClientset()},
		{"postgres pod not running", fake.NewSimpleClientset(pending)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := &Client{clientset: tc.clientset, logger: slog.Default()}
			var buf bytes.Buffer
			err := c.DumpDatabase(context.Background(), "n8n-v1-92-0", &buf)
			if err == nil {
				t.Fatal("expected error without a running postgres pod")
			}
			if !errors.Is(err, domain.ErrUnavailable) {
				t.Fatalf("expected unavailable, got %v", err)
			}
		})
	}
}
