package domain

// HealthFact is one independently computed infrastructure health probe result.
type HealthFact struct {
	Healthy bool   `json:"healthy"`
	Status  string `json:"status"`
}

// InfrastructureStatus reports shared infra health. The two facts are probed
// independently; partial health is valid output, not an error.
type InfrastructureStatus struct {
	Postgres HealthFact `json:"postgres"`
	Redis    HealthFact `json:"redis"`
}
