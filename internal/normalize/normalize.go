// Package normalize restores OCR output of handwritten answers with a
// generative model. Restoration is optional: Passthrough stands in whenever
// no model is configured.
package normalize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/yoohyeon14/essay-ocr-system/internal/models"
)

// lengthDriftWarning is the character difference between raw and restored
// text above which the restoration is logged for review.
const lengthDriftWarning = 50

// Request is the input of one normalization call.
type Request struct {
	RawText string
	// Image is the PNG of the cropped answer; may be nil.
	Image     []byte
	Reference models.Reference
	Lesson    int
	Question  int
}

// Result is the normalized text and whether a model actually produced it.
type Result struct {
	Text     string
	Restored bool
}

// Normalizer turns raw OCR text into corrected text.
type Normalizer interface {
	Normalize(ctx context.Context, req Request) (Result, error)
}

// Passthrough returns the raw text unchanged. It never fails.
type Passthrough struct{}

func (Passthrough) Normalize(_ context.Context, req Request) (Result, error) {
	return Result{Text: req.RawText}, nil
}

// Generator is a configured generative model; see gcp.VertexModel and
// gcp.StudioModel. Errors must already be TransientAiError or PermanentAiError.
type Generator interface {
	Generate(ctx context.Context, prompt string, png []byte) (string, error)
}

// Restorer asks a generative model to correct the OCR text against the answer
// image and the lesson reference material.
type Restorer struct {
	gen Generator
}

func NewRestorer(gen Generator) *Restorer {
	return &Restorer{gen: gen}
}

var refusalPhrases = []string{
	"i am unable to",
	"i cannot fulfill",
	"i cannot answer",
	"i cannot provide",
	"as a large language model",
	"죄송하지만",
	"복원할 수 없습니다",
}

// Normalize returns the restored text. Empty or refused output is a
// PermanentAiError; the caller decides whether to fall back.
func (r *Restorer) Normalize(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.RawText) == "" && len(req.Image) == 0 {
		return Result{Text: req.RawText}, nil
	}

	out, err := r.gen.Generate(ctx, BuildPrompt(req), req.Image)
	if err != nil {
		var pe *models.PipelineError
		if errors.As(err, &pe) || errors.Is(err, context.Canceled) {
			return Result{}, err
		}
		return Result{}, models.NewPermanentAiError(err)
	}

	text := StripCodeFence(out)
	if text == "" {
		return Result{}, models.NewPermanentAiError(errors.New("model returned no text"))
	}
	lower := strings.ToLower(text)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			return Result{}, models.NewPermanentAiError(fmt.Errorf("model refused restoration: %q", truncate(text, 120)))
		}
	}

	rawLen, outLen := utf8.RuneCountInString(req.RawText), utf8.RuneCountInString(text)
	if diff := outLen - rawLen; diff > lengthDriftWarning || -diff > lengthDriftWarning {
		slog.Warn("Restored text length differs from OCR text.",
			"lesson", req.Lesson, "question", req.Question, "rawLength", rawLen, "restoredLength", outLen)
	}
	return Result{Text: text, Restored: true}, nil
}

// BuildPrompt renders the restoration prompt for one answer.
func BuildPrompt(req Request) string {
	var sb strings.Builder
	sb.WriteString("첨부된 이미지는 학생이 원고지에 손으로 쓴 논술 답안이고, 아래 텍스트는 그 이미지를 OCR로 인식한 결과입니다.\n")
	sb.WriteString("OCR 결과에는 오류가 있을 수 있습니다. 이미지를 직접 확인하고 기초자료를 참고하여 답안을 정확하게 복원하세요.\n\n")
	sb.WriteString("규칙:\n")
	sb.WriteString("1. 이미지에 실제로 쓰인 글자를 기준으로 복원합니다.\n")
	sb.WriteString("2. OCR 텍스트는 위치와 순서를 파악하는 참고용입니다.\n")
	sb.WriteString("3. 기초자료의 용어와 비슷하게 인식된 단어는 그 용어로 바로잡습니다.\n")
	sb.WriteString("4. 이미지에 없는 내용을 추가하거나 문장을 지어내지 않습니다.\n")
	sb.WriteString("5. 원고지의 줄바꿈은 무시하고 문장 단위로 잇되, 문단 구분은 새 줄로 유지합니다.\n\n")

	if req.Reference.Empty() {
		sb.WriteString("(기초자료 없음)\n\n")
	} else {
		sb.WriteString("<기초자료>\n")
		writeSection(&sb, "문제", req.Reference.Prompt)
		writeSection(&sb, "제시문", req.Reference.Passage)
		writeSection(&sb, "채점기준", req.Reference.Rubric)
		writeSection(&sb, "모범답안", req.Reference.ModelAnswer)
		sb.WriteString("</기초자료>\n\n")
	}

	sb.WriteString("<OCR 텍스트>\n")
	sb.WriteString(req.RawText)
	sb.WriteString("\n</OCR 텍스트>\n\n")
	sb.WriteString("복원한 답안 텍스트만 출력하세요.")
	return sb.String()
}

func writeSection(sb *strings.Builder, tag, body string) {
	if body == "" {
		return
	}
	fmt.Fprintf(sb, "<%s>\n%s\n</%s>\n", tag, body, tag)
}

// StripCodeFence trims whitespace and a surrounding markdown code fence.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// drop the language tag on the opening fence
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		if tag := strings.TrimSpace(s[:nl]); !strings.ContainsAny(tag, " \t") {
			s = s[nl+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
