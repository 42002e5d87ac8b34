package llm

import (
	"os"
	"time"

	"github.com/labstack/gommon/log"
)

const (
	// EnvMode selects the client implementation.
	EnvMode = "ROLLOUT_LLM_MODE"
	// ModeMock selects MockClient.
	ModeMock = "MOCK"
)

// NewLLMClient returns a MockClient when ROLLOUT_LLM_MODE=MOCK, otherwise a real Client.
func NewLLMClient(baseURL, apiKey string, timeout time.Duration) LLMClient {
	if os.Getenv(EnvMode) == ModeMock {
		log.Infof("%s=%s detected, using mock LLM client", EnvMode, ModeMock)
		return NewMockClient()
	}
	return NewClient(baseURL, apiKey, timeout)
}
