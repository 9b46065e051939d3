package openai

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"avm/server/internal/model"
	"avm/server/internal/provider"

	"github.com/openai/openai-go/v3"
)

// Generate renders one presenter image per pose and writes them as PNG files
// under outputDir.
func (c *Client) Generate(ctx context.Context, prompt model.PromptConfig, outputDir string) ([]model.ImageRef, error) {
	poses := prompt.Poses
	if len(poses) == 0 {
		poses = []string{"front facing"}
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, provider.GenerationError("OUTPUT_DIR", "create image directory", err)
	}
	width, height := parseSize(c.imageSize)

	refs := make([]model.ImageRef, 0, len(poses))
	for i, pose := range poses {
		text := provider.ModelPrompt(prompt, pose)
		resp, err := c.api.Images.Generate(ctx, openai.ImageGenerateParams{
			Prompt:         text,
			Model:          openai.ImageModel(c.imageModel),
			N:              openai.Int(1),
			Size:           openai.ImageGenerateParamsSize(c.imageSize),
			ResponseFormat: openai.ImageGenerateParamsResponseFormatB64JSON,
		})
		if err != nil {
			return nil, apiError(ctx, provider.KindGeneration, err)
		}
		if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
			return nil, provider.GenerationError("EMPTY_IMAGE", fmt.Sprintf("no image returned for pose %q", pose), nil)
		}
		data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
		if err != nil {
			return nil, provider.GenerationError("BAD_IMAGE", "decode image payload", err)
		}
		path := filepath.Join(outputDir, fmt.Sprintf("model_%02d.png", i+1))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return nil, provider.GenerationError("WRITE_IMAGE", "write image", err)
		}
		refs = append(refs, model.ImageRef{
			Path:   path,
			Prompt: text,
			Pose:   pose,
			Width:  width,
			Height: height,
		})
	}
	return refs, nil
}

func parseSize(size string) (int, int) {
	w, h, ok := strings.Cut(size, "x")
	if !ok {
		return 0, 0
	}
	wi, _ := strconv.Atoi(w)
	hi, _ := strconv.Atoi(h)
	return wi, hi
}
