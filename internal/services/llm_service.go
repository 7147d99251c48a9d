package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"recollect/internal/tangent"
)

// Provider is one OpenAI-compatible upstream from providers.json.
type Provider struct {
	Name      string `json:"name"`
	BaseURL   string `json:"baseUrl"`
	APIKey    string `json:"apiKey,omitempty"`
	APIKeyEnv string `json:"apiKeyEnv,omitempty"`
	Model     string `json:"model"`
	Default   bool   `json:"default,omitempty"`
}

// providersFile is the on-disk layout of providers.json.
type providersFile struct {
	Providers []Provider `json:"providers"`
}

// ChatMessage is one turn in a chat completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLMService talks to an OpenAI-compatible chat completions endpoint. The
// active provider comes from providers.json and hot-reloads on file change.
type LLMService struct {
	mu        sync.RWMutex
	providers []Provider
	active    *Provider

	httpClient *http.Client
}

// NewLLMService creates the service and loads providers from the given file.
func NewLLMService(providersPath string) (*LLMService, error) {
	s := &LLMService{
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	if err := s.LoadProviders(providersPath); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadProviders reads providers.json and swaps in the new provider set.
func (s *LLMService) LoadProviders(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read providers file: %w", err)
	}

	var file providersFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse providers file: %w", err)
	}
	if len(file.Providers) == 0 {
		return fmt.Errorf("providers file %s lists no providers", path)
	}

	// Resolve API keys from the environment where apiKeyEnv is set.
	for i := range file.Providers {
		if file.Providers[i].APIKeyEnv != "" {
			if key := os.Getenv(file.Providers[i].APIKeyEnv); key != "" {
				file.Providers[i].APIKey = key
			}
		}
	}

	active := &file.Providers[0]
	for i := range file.Providers {
		if file.Providers[i].Default {
			active = &file.Providers[i]
			break
		}
	}

	s.mu.Lock()
	s.providers = file.Providers
	s.active = active
	s.mu.Unlock()

	log.Printf("✅ Loaded %d LLM provider(s), active: %s (%s)", len(file.Providers), active.Name, active.Model)
	return nil
}

// WatchProviders hot-reloads providers.json on change. Blocks; run in a
// goroutine. Returns when the watcher channel closes.
func (s *LLMService) WatchProviders(path string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("⚠️  Failed to create file watcher: %v", err)
		return
	}
	defer watcher.Close()

	absPath, err := filepath.Abs(path)
	if err != nil {
		log.Printf("⚠️  Failed to get absolute path for %s: %v", path, err)
		return
	}

	// Watch the directory containing the file (more reliable than watching the file directly)
	dir := filepath.Dir(absPath)
	filename := filepath.Base(absPath)

	if err := watcher.Add(dir); err != nil {
		log.Printf("⚠️  Failed to watch directory %s: %v", dir, err)
		return
	}

	log.Printf("👁️  Watching %s for changes (hot-reload enabled)", path)

	// Debounce timer to avoid multiple reloads for rapid file changes
	var debounceTimer *time.Timer
	debounceDuration := 500 * time.Millisecond

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			if filepath.Base(event.Name) != filename {
				continue
			}

			if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}

				debounceTimer = time.AfterFunc(debounceDuration, func() {
					log.Printf("🔄 Detected changes in %s, reloading providers...", path)

					if err := s.LoadProviders(path); err != nil {
						log.Printf("❌ Failed to reload providers after file change: %v", err)
					}
				})
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("⚠️  File watcher error: %v", err)
		}
	}
}

// ActiveProvider returns a copy of the currently active provider.
func (s *LLMService) ActiveProvider() Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.active
}

// Complete runs a single-prompt completion. Satisfies tangent.CompletionClient.
func (s *LLMService) Complete(ctx context.Context, prompt string, opts tangent.CompleteOptions) (string, error) {
	return s.CompleteChat(ctx, []ChatMessage{{Role: "user", Content: prompt}}, opts.Temperature, opts.MaxTokens)
}

// CompleteChat runs a chat completion over a full message history.
func (s *LLMService) CompleteChat(ctx context.Context, messages []ChatMessage, temperature float64, maxTokens int) (string, error) {
	provider := s.ActiveProvider()

	requestBody := map[string]interface{}{
		"model":       provider.Model,
		"messages":    messages,
		"stream":      false,
		"temperature": temperature,
	}
	if maxTokens > 0 {
		requestBody["max_tokens"] = maxTokens
	}

	reqBody, err := json.Marshal(requestBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", provider.BaseURL+"/chat/completions", bytes.NewBuffer(reqBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if provider.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+provider.APIKey)
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		log.Printf("⚠️ [LLM] API error from %s: %s", provider.Name, string(body))
		return "", fmt.Errorf("API error (status %d)", resp.StatusCode)
	}

	var apiResponse struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}

	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return "", fmt.Errorf("failed to parse API response: %w", err)
	}

	if len(apiResponse.Choices) == 0 {
		return "", fmt.Errorf("no choices in completion response")
	}

	return apiResponse.Choices[0].Message.Content, nil
}
