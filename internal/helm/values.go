package helm

import (
	"fmt"

	"sigs.k8s.io/yaml"

	"github.com/krystianslowik/n8n-k8s-version-manager/internal/domain"
)

// DeployValues builds the chart values for one version deployment. The
// NodePort pins the deterministic host port, mode selects the topology, and a
// non-empty snapshot name seeds the isolated database from that dump.
func DeployValues(version string, mode domain.Mode, port int, isolatedDB bool, snapshot string) map[string]any {
	values := map[string]any{
		"n8n": map[string]any{
			"image": map[string]any{
				"tag": version,
			},
			"mode": string(mode),
		},
		"service": map[string]any{
			"type":     "NodePort",
			"nodePort": port,
		},
		"database": map[string]any{
			"isolated": map[string]any{
				"enabled": isolatedDB,
			},
		},
	}
	if snapshot != "" {
		db := values["database"].(map[string]any)
		isolated := db["isolated"].(map[string]any)
		isolated["snapshot"] = map[string]any{
			"enabled": true,
			"name":    snapshot,
		}
	}
	if mode == domain.ModeQueue {
		values["workers"] = map[string]any{"replicas": 2}
	}
	return values
}

// ParseOverrides decodes a raw YAML document of user value overrides.
func ParseOverrides(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	overrides := map[string]any{}
	if err := yaml.Unmarshal([]byte(raw), &overrides); err != nil {
		return nil, fmt.Errorf("%w: invalid helm values yaml: %v", domain.ErrInvalidRequest, err)
	}
	return overrides, nil
}

// MergeValues deep-merges override values into base. Maps merge recursively,
// anything else in overrides wins. base is not mutated.
func MergeValues(base, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		if existing, ok := out[k].(map[string]any); ok {
			if incoming, ok := v.(map[string]any); ok {
				out[k] = MergeValues(existing, incoming)
				continue
			}
		}
		out[k] = v
	}
	return out
}
