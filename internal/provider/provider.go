package provider

import (
	"context"
	"errors"

	"avm/server/internal/model"
)

// ErrCollaborator matches every *Error through errors.Is.
var ErrCollaborator = errors.New("collaborator error")

type Kind string

const (
	KindNetwork    Kind = "network"
	KindGeneration Kind = "generation"
	KindService    Kind = "service"
	KindRender     Kind = "render"
	KindCanceled   Kind = "canceled"
)

// Error is a failure reported by an external stage collaborator.
type Error struct {
	Kind      Kind
	Code      string
	Retryable bool
	Message   string
	Err       error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind) + " error"
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrCollaborator }

func NetworkError(code, message string, err error) *Error {
	return &Error{Kind: KindNetwork, Code: code, Retryable: true, Message: message, Err: err}
}

func GenerationError(code, message string, err error) *Error {
	return &Error{Kind: KindGeneration, Code: code, Message: message, Err: err}
}

func ServiceError(message string) *Error {
	return &Error{Kind: KindService, Code: "SERVICE_ERROR", Message: message}
}

func RenderError(code, message string, err error) *Error {
	return &Error{Kind: KindRender, Code: code, Message: message, Err: err}
}

func CanceledError(err error) *Error {
	return &Error{Kind: KindCanceled, Code: "CANCELED", Message: "stage canceled: " + err.Error(), Err: err}
}

// KindOf reports the collaborator kind of err, or "" for foreign errors.
func KindOf(err error) Kind {
	var pErr *Error
	if errors.As(err, &pErr) {
		return pErr.Kind
	}
	return ""
}

type TrendSearcher interface {
	Search(ctx context.Context, keywords []string, maxResults int) ([]model.VideoRecord, error)
}

type ImageGenerator interface {
	Generate(ctx context.Context, prompt model.PromptConfig, outputDir string) ([]model.ImageRef, error)
}

type ContentWriter interface {
	Analyze(ctx context.Context, videos []model.VideoRecord) (model.AnalysisResult, error)
	WriteScript(ctx context.Context, req model.ScriptRequest) (model.ScriptDocument, error)
}

type VideoEditor interface {
	Render(ctx context.Context, script model.ScriptDocument, images []model.ImageRef, outputPath string) (model.RenderInfo, error)
	Edit(ctx context.Context, renderPaths []string, script model.ScriptDocument, outputPath string) (model.EditInfo, error)
}
