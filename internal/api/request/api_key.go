package request

// CreateAPIKey is the payload for minting an operator API key.
type CreateAPIKey struct {
	Name string `json:"name" validate:"required,slug"`
}
