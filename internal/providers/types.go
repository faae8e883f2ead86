package providers

// Kind distinguishes chat and embedding provider configurations.
const (
	KindLLM       = "llm"
	KindEmbedding = "embedding"
)

// ProviderConfig is a tenant's configured model provider, with the API key
// already unsealed.
type ProviderConfig struct {
	ID          string
	TenantID    string
	Kind        string
	Provider    string
	Model       string
	APIKey      string
	BaseURL     string
	Temperature float32
	MaxTokens   int
	IsDefault   bool
}
