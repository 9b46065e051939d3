package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"avm/server/internal/model"
	"avm/server/internal/provider"

	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

type Config struct {
	APIKey     string
	BaseURL    string
	ChatModel  string
	ImageModel string
	ImageSize  string
	MaxRetries int
}

// Client backs the image and content collaborators with the OpenAI API.
type Client struct {
	api        openai.Client
	chatModel  string
	imageModel string
	imageSize  string
}

var (
	_ provider.ImageGenerator = (*Client)(nil)
	_ provider.ContentWriter  = (*Client)(nil)
)

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, &model.ConfigError{Field: "providers.openai_api_key", Reason: "is required for live generation"}
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	c := &Client{
		api:        openai.NewClient(opts...),
		chatModel:  cfg.ChatModel,
		imageModel: cfg.ImageModel,
		imageSize:  cfg.ImageSize,
	}
	if c.chatModel == "" {
		c.chatModel = string(openai.ChatModelGPT4oMini)
	}
	if c.imageModel == "" {
		c.imageModel = "dall-e-3"
	}
	if c.imageSize == "" {
		c.imageSize = "1024x1024"
	}
	return c, nil
}

// GenerateSchema reflects T into a strict JSON schema for structured outputs.
func GenerateSchema[T any]() interface{} {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	return reflector.Reflect(v)
}

func getStructuredResponse[T any](ctx context.Context, c *Client, name, system, prompt string, schema interface{}) (*T, error) {
	schemaParam := openai.ResponseFormatJSONSchemaJSONSchemaParam{
		Name:   name,
		Schema: schema,
		Strict: openai.Bool(true),
	}
	completion, err := c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(prompt),
		},
		Model: openai.ChatModel(c.chatModel),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: schemaParam,
			},
		},
	})
	if err != nil {
		return nil, apiError(ctx, provider.KindService, err)
	}
	if len(completion.Choices) == 0 {
		return nil, provider.ServiceError("no response from OpenAI")
	}
	raw := completion.Choices[0].Message.Content
	if strings.TrimSpace(raw) == "" {
		return nil, provider.ServiceError(fmt.Sprintf("OpenAI returned empty response (finish reason %s)", completion.Choices[0].FinishReason))
	}
	var out T
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		e := provider.ServiceError("malformed model response")
		e.Code = "MALFORMED_RESPONSE"
		e.Err = err
		return nil, e
	}
	return &out, nil
}

// apiError maps an SDK failure onto the collaborator taxonomy.
func apiError(ctx context.Context, kind provider.Kind, err error) error {
	if ctx.Err() != nil {
		return provider.CanceledError(ctx.Err())
	}
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		var urlErr *url.Error
		var netErr net.Error
		if errors.As(err, &urlErr) || errors.As(err, &netErr) {
			return provider.NetworkError("OPENAI_UNREACHABLE", "OpenAI request failed", err)
		}
		// The request went through but the response could not be decoded.
		e := provider.ServiceError("undecodable OpenAI response")
		e.Code = "MALFORMED_RESPONSE"
		e.Err = err
		return e
	}
	e := &provider.Error{
		Kind: kind,
		Code: fmt.Sprintf("OPENAI_HTTP_%d", apiErr.StatusCode),
		Err:  err,
	}
	switch {
	case apiErr.StatusCode == http.StatusTooManyRequests:
		e.Code = "QUOTA_EXCEEDED"
		e.Message = "quota exceeded"
		e.Retryable = true
	case apiErr.StatusCode == http.StatusUnauthorized:
		e.Message = "OpenAI rejected the API key"
	case apiErr.StatusCode >= 500:
		e.Message = fmt.Sprintf("OpenAI service error (%d)", apiErr.StatusCode)
		e.Retryable = true
	default:
		e.Message = fmt.Sprintf("OpenAI request rejected (%d)", apiErr.StatusCode)
	}
	return e
}
