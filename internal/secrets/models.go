package secrets

import "time"

// SecretCategory groups secrets for filtered listing (e.g. by env page).
type SecretCategory string

const (
	CategoryCustom SecretCategory = "custom"
	CategoryAPIKey SecretCategory = "api_key"
	CategoryGit    SecretCategory = "git"
	CategoryCloud  SecretCategory = "cloud"
	CategoryAgent  SecretCategory = "agent"
)

// ValidCategories is the set of categories accepted on create/update.
var ValidCategories = map[SecretCategory]bool{
	CategoryCustom: true,
	CategoryAPIKey: true,
	CategoryGit:    true,
	CategoryCloud:  true,
	CategoryAgent:  true,
}

// Secret represents stored secret metadata (without the value).
type Secret struct {
	ID        string            `json:"id" db:"id"`
	Name      string            `json:"name" db:"name"`
	EnvKey    string            `json:"env_key" db:"env_key"`
	Category  SecretCategory    `json:"category" db:"category"`
	Metadata  map[string]string `json:"metadata,omitempty" db:"-"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt time.Time         `json:"updated_at" db:"updated_at"`
}

// SecretWithValue is used for create/update operations.
type SecretWithValue struct {
	Secret
	Value string `json:"value,omitempty"`
}

// SecretListItem is returned by list endpoints — never contains the value.
type SecretListItem struct {
	ID        string            `json:"id" db:"id"`
	Name      string            `json:"name" db:"name"`
	EnvKey    string            `json:"env_key" db:"env_key"`
	Category  SecretCategory    `json:"category" db:"category"`
	Metadata  map[string]string `json:"metadata,omitempty" db:"-"`
	HasValue  bool              `json:"has_value" db:"has_value"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt time.Time         `json:"updated_at" db:"updated_at"`
}

// CreateSecretRequest is the request body for creating a secret.
type CreateSecretRequest struct {
	Name     string            `json:"name"`
	EnvKey   string            `json:"env_key"`
	Value    string            `json:"value"`
	Category SecretCategory    `json:"category,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// UpdateSecretRequest is the request body for updating a secret.
type UpdateSecretRequest struct {
	Name     *string           `json:"name,omitempty"`
	Value    *string           `json:"value,omitempty"`
	Category *SecretCategory   `json:"category,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// RevealSecretResponse is returned by the reveal endpoint.
type RevealSecretResponse struct {
	Value string `json:"value"`
}
