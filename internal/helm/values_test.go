package helm

import (
	"testing"

	"github.com/krystianslowik/n8n-k8s-version-manager/internal/domain"
)

func TestDeployValuesQueueMode(t *testing.T) {
	values := DeployValues("1.92.0", domain.ModeQueue, 31920, true, "")

	n8n, ok := values["n8n"].(map[string]any)
	if !ok {
		t.Fatal("missing n8n section")
	}
	if n8n["mode"] != "queue" {
		t.Fatalf("mode = %v, want queue", n8n["mode"])
	}
	svc := values["service"].(map[string]any)
	if svc["nodePort"] != 31920 {
		t.Fatalf("nodePort = %v, want 31920", svc["nodePort"])
	}
	workers, ok := values["workers"].(map[string]any)
	if !ok || workers["replicas"] != 2 {
		t.Fatalf("queue mode must request 2 workers, got %v", values["workers"])
	}
}

func TestDeployValuesRegularModeHasNoWorkers(t *testing.T) {
	values := DeployValues("1.85.0", domain.ModeRegular, 31850, true, "")
	if _, ok := values["workers"]; ok {
		t.Fatal("regular mode must not set worker replicas")
	}
}

func TestDeployValuesSnapshotSeed(t *testing.T) {
	values := DeployValues("1.92.0", domain.ModeRegular, 31920, true, "n8n-20250101-120000.sql")
	db := values["database"].(map[string]any)
	isolated := db["isolated"].(map[string]any)
	snap, ok := isolated["snapshot"].(map[string]any)
	if !ok {
		t.Fatal("snapshot seed not set")
	}
	if snap["name"] != "n8n-20250101-120000.sql" {
		t.Fatalf("snapshot name = %v", snap["name"])
	}
}

func TestParseOverridesRejectsGarbage(t *testing.T) {
	if _, err := ParseOverrides(": not yaml ["); err == nil {
		t.Fatal("expected error for malformed yaml")
	}
	overrides, err := ParseOverrides("n8n:\n  image:\n    pullPolicy: Always\n")
	if err != nil {
		t.Fatalf("valid yaml rejected: %v", err)
	}
	if overrides["n8n"] == nil {
		t.Fatal("overrides not decoded")
	}
}

func TestMergeValuesNestedOverride(t *testing.T) {
	base := DeployValues("1.92.0", domain.ModeRegular, 31920, true, "")
	merged := MergeValues(base, map[string]any{
		"n8n": map[string]any{
			"image": map[string]any{"pullPolicy": "Always"},
		},
	})

	n8n := merged["n8n"].(map[string]any)
	image := n8n["image"].(map[string]any)
	if image["tag"] != "1.92.0" {
		t.Fatalf("base image tag lost: %v", image["tag"])
	}
	if image["pullPolicy"] != "Always" {
		t.Fatalf("override not applied: %v", image["pullPolicy"])
	}
	// base must stay untouched
	baseImage := base["n8n"].(map[string]any)["image"].(map[string]any)
	if _, ok := baseImage["pullPolicy"]; ok {
		t.Fatal("merge mutated base values")
	}
}
