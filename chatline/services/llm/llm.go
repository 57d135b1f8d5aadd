package llm

import (
	httputils "chatline/chatline/utils/http"
	"chatline/chatline/utils/logging"
	"context"
	"errors"
	"net/http"
	"strings"
)

type ChatRequest struct {
	Model    string      `json:"model"`
	Messages []Message   `json:"messages"`
	Stream   bool        `json:"stream"`
	Options  interface{} `json:"options,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatResponse struct {
	Message Message `json:"message"`
	Done    bool    `json:"done"`
}

// Runner executes a single, non-streaming chat completion.
type Runner interface {
	Run(ctx context.Context, req ChatRequest) (string, error)
}

var ErrEmptyCompletion = errors.New("model returned an empty completion")

type OllamaClient struct {
	baseURL string
	http    *http.Client
}

func NewOllamaClient(baseURL string) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434/api"
	}
	return &OllamaClient{baseURL: strings.TrimRight(baseURL, "/"), http: &http.Client{}}
}

func (c *OllamaClient) Run(ctx context.Context, req ChatRequest) (string, error) {
	defer logging.LogDuration(ctx, "llm_service_run")()
	req.Stream = false
	var resp ChatResponse
	if err := httputils.PostJSON(ctx, c.http, c.baseURL+"/chat", req, &resp); err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Message.Content) == "" {
		return "", ErrEmptyCompletion
	}
	return resp.Message.Content, nil
}
