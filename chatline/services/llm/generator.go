package llm

import (
	"chatline/chatline/sources/psql/models"
	"context"
	"fmt"
	"math"
	"time"
)

const DefaultSystemPrompt = "You are a helpful assistant. Answer conversationally and keep context from earlier turns."

// Reply is the text produced for one prompt plus how it was produced.
type Reply struct {
	Content  string
	Metadata models.MessageMetadata
}

// Generator turns stored chat history into a model request.
type Generator struct {
	runner       Runner
	model        string
	systemPrompt string
	timeout      time.Duration
	now          func() time.Time
}

func NewGenerator(runner Runner, model string, timeout time.Duration) *Generator {
	return &Generator{
		runner:       runner,
		model:        model,
		systemPrompt: DefaultSystemPrompt,
		timeout:      timeout,
		now:          time.Now,
	}
}

func (g *Generator) Model() string {
	return g.model
}

// Generate asks the model for the next assistant turn. history is the stored
// conversation in order; prompt is appended as the final user turn unless it
// is already the last stored message.
func (g *Generator) Generate(ctx context.Context, history []models.Message, prompt string) (Reply, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := g.now()
	content, err := g.runner.Run(ctx, ChatRequest{
		Model:    g.model,
		Messages: g.buildMessages(history, prompt),
	})
	if err != nil {
		return Reply{}, fmt.Errorf("generate reply with %s: %w", g.model, err)
	}
	elapsed := math.Round(g.now().Sub(start).Seconds()*100) / 100
	return Reply{
		Content: content,
		Metadata: models.MessageMetadata{
			Model:        g.model,
			ResponseTime: &elapsed,
		},
	}, nil
}

func (g *Generator) buildMessages(history []models.Message, prompt string) []Message {
	msgs := make([]Message, 0, len(history)+2)
	if g.systemPrompt != "" {
		msgs = append(msgs, Message{Role: "system", Content: g.systemPrompt})
	}
	for _, m := range history {
		if !models.ValidRole(m.Role) {
			continue
		}
		msgs = append(msgs, Message{Role: m.Role, Content: m.Content})
	}
	if n := len(history); n == 0 || history[n-1].Role != models.RoleUser || history[n-1].Content != prompt {
		msgs = append(msgs, Message{Role: models.RoleUser, Content: prompt})
	}
	return msgs
}
