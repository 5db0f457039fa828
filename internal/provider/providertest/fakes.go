// Package providertest has recording fakes of the provider contracts.
package providertest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"marketing-orchestrator/internal/provider"
)

// Publisher records publish calls. Err, when set, is returned instead.
type Publisher struct {
	mu    sync.Mutex
	Calls []provider.PublishRequest
	Err   error
}

func (p *Publisher) Publish(_ context.Context, req provider.PublishRequest) (provider.PublishResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, req)
	if p.Err != nil {
		return provider.PublishResult{}, p.Err
	}
	return provider.PublishResult{PostID: fmt.Sprintf("post-%d", len(p.Calls)), Status: "published"}, nil
}

// Count returns the number of publish calls.
func (p *Publisher) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Message is a recorded chat message.
type Message struct {
	Channel string
	Text    string
}

// Chat records messages and approval prompts.
type Chat struct {
	mu        sync.Mutex
	Messages  []Message
	Prompts   []provider.ApprovalPrompt
	SendErr   error
	PromptErr error
}

func (c *Chat) Send(_ context.Context, channel, text string) (provider.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return provider.MessageRef{}, c.SendErr
	}
	c.Messages = append(c.Messages, Message{Channel: channel, Text: text})
	return provider.MessageRef{Channel: channel, Timestamp: fmt.Sprintf("1700000000.%06d", len(c.Messages))}, nil
}

func (c *Chat) RequestApproval(_ context.Context, prompt provider.ApprovalPrompt) (provider.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.PromptErr != nil {
		return provider.MessageRef{}, c.PromptErr
	}
	c.Prompts = append(c.Prompts, prompt)
	return provider.MessageRef{Channel: provider.ChannelAlerts, Timestamp: fmt.Sprintf("1800000000.%06d", len(c.Prompts))}, nil
}

// Texts returns the messages sent to channel.
func (c *Chat) Texts(channel string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, m := range c.Messages {
		if m.Channel == channel {
			out = append(out, m.Text)
		}
	}
	return out
}

// Contains reports whether any message on channel contains substr.
func (c *Chat) Contains(channel, substr string) bool {
	for _, t := range c.Texts(channel) {
		if strings.Contains(t, substr) {
			return true
		}
	}
	return false
}

// Mailer records outbound email.
type Mailer struct {
	mu   sync.Mutex
	Sent []provider.Email
	Err  error
}

func (m *Mailer) Send(_ context.Context, email provider.Email) (provider.EmailReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return provider.EmailReceipt{}, m.Err
	}
	m.Sent = append(m.Sent, email)
	return provider.EmailReceipt{ID: fmt.Sprintf("email-%d", len(m.Sent))}, nil
}
