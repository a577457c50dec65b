package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/coachfeed/backend/internal/config"
	"github.com/zhouzirui/coachfeed/backend/internal/model/chat"
	"github.com/zhouzirui/coachfeed/backend/internal/model/persona"
)

const defaultHistoryLimit = 10

// SessionLookup resolves the persona a session talks to.
type SessionLookup interface {
	GetSession(ctx context.Context, sessionID string) (chat.Session, error)
}

// Service generates coach replies through an eino chain:
// system prompt -> history -> user query -> chat model.
type Service struct {
	chain        compose.Runnable[map[string]any, *schema.Message]
	personas     persona.Store
	sessions     SessionLookup
	historyLimit int
}

var _ StreamingClient = (*Service)(nil)

// NewService creates the Ark chat model from configuration and wires the chain.
func NewService(ctx context.Context, cfg config.AIConfig, personas persona.Store, sessions SessionLookup) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return NewServiceWithModel(ctx, chatModel, personas, sessions, cfg.HistoryLimit)
}

// NewServiceWithModel wires the chain around an existing chat model.
func NewServiceWithModel(ctx context.Context, chatModel model.ChatModel, personas persona.Store, sessions SessionLookup, historyLimit int) (*Service, error) {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		chain:        runnable,
		personas:     personas,
		sessions:     sessions,
		historyLimit: historyLimit,
	}, nil
}

// Complete returns the model's reply or a *CompletionError.
func (s *Service) Complete(ctx context.Context, sessionID string, history []chat.Turn, newUserText string) (string, error) {
	input := s.buildChainInput(ctx, sessionID, history, newUserText)

	response, err := s.chain.Invoke(ctx, input)
	if err != nil {
		return "", classify(err)
	}
	return s.finish(sessionID, response)
}

// CompleteStream behaves like Complete and reports chunks as they arrive.
func (s *Service) CompleteStream(ctx context.Context, sessionID string, history []chat.Turn, newUserText string, onDelta func(string)) (string, error) {
	input := s.buildChainInput(ctx, sessionID, history, newUserText)

	stream, err := s.chain.Stream(ctx, input)
	if err != nil {
		return "", classify(err)
	}
	defer stream.Close()

	chunks := make([]*schema.Message, 0, 8)
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return "", classify(recvErr)
		}
		if chunk == nil {
			continue
		}
		chunks = append(chunks, chunk)
		if chunk.Content != "" && onDelta != nil {
			onDelta(chunk.Content)
		}
	}
	if len(chunks) == 0 {
		return "", &CompletionError{Kind: KindMalformed, Err: ErrEmptyReply}
	}

	response, err := schema.ConcatMessages(chunks)
	if err != nil {
		return "", &CompletionError{Kind: KindMalformed, Err: err}
	}
	return s.finish(sessionID, response)
}

func (s *Service) finish(sessionID string, response *schema.Message) (string, error) {
	if response == nil || strings.TrimSpace(response.Content) == "" {
		return "", &CompletionError{Kind: KindMalformed, Err: ErrEmptyReply}
	}
	log.Debug().Str("component", "ai").Str("session_id", sessionID).Int("length", len(response.Content)).Msg("generated reply")
	return response.Content, nil
}

func (s *Service) buildChainInput(ctx context.Context, sessionID string, history []chat.Turn, newUserText string) map[string]any {
	return map[string]any{
		"system":  BuildSystemPrompt(s.personaFor(ctx, sessionID)),
		"history": s.buildHistoryMessages(history, newUserText),
		"query":   newUserText,
	}
}

func (s *Service) personaFor(ctx context.Context, sessionID string) persona.Persona {
	personaID := persona.DefaultID
	if s.sessions != nil {
		if session, err := s.sessions.GetSession(ctx, sessionID); err == nil && session.PersonaID != "" {
			personaID = session.PersonaID
		}
	}
	if s.personas != nil {
		if p, ok := s.personas.FindByID(personaID); ok {
			return p
		}
		if p, ok := s.personas.FindByID(persona.DefaultID); ok {
			return p
		}
	}
	return persona.Seed()[0]
}

// buildHistoryMessages keeps the last historyLimit committed turns. The new
// user turn is usually already the window's tail; it is dropped here since
// the template appends it as the query.
func (s *Service) buildHistoryMessages(turns []chat.Turn, newUserText string) []*schema.Message {
	committed := make([]chat.Turn, 0, len(turns))
	for _, t := range turns {
		if t.Committed() && strings.TrimSpace(t.Text) != "" {
			committed = append(committed, t)
		}
	}
	if n := len(committed); n > 0 {
		last := committed[n-1]
		if last.Sender == chat.SenderUser && last.Text == newUserText {
			committed = committed[:n-1]
		}
	}
	if len(committed) > s.historyLimit {
		committed = committed[len(committed)-s.historyLimit:]
	}

	history := make([]*schema.Message, 0, len(committed))
	for _, msg := range committed {
		switch msg.Sender {
		case chat.SenderUser:
			history = append(history, schema.UserMessage(msg.Text))
		case chat.SenderAssistant:
			history = append(history, schema.AssistantMessage(msg.Text, nil))
		}
	}
	return history
}
