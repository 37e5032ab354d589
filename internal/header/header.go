// Package header reads the student header printed at the top of the first
// page of each answer sheet.
package header

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/yoohyeon14/essay-ocr-system/internal/models"
	"github.com/yoohyeon14/essay-ocr-system/internal/normalize"
)

// Generator is the model used to read the header image.
type Generator interface {
	Generate(ctx context.Context, prompt string, png []byte) (string, error)
}

type alias struct {
	keyword   string
	canonical string
}

// academyAliases is checked in order and the first keyword found wins, so
// "대치박기호" resolves to 본원 before "대치" is tried.
var academyAliases = []alias{
	{"김포각인", "김포 각인"}, {"김포", "김포 각인"}, {"각인", "김포 각인"},
	{"본원", "본원"}, {"대치박기호", "본원"}, {"박기호", "본원"},
	{"분당러셀", "분당 러셀"}, {"분당", "분당 러셀"}, {"러셀분당", "분당 러셀"},
	{"대치러셀", "대치 러셀"}, {"대치", "대치 러셀"}, {"러셀대치", "대치 러셀"},
}

// Reader extracts a StudentHeader with a generative model.
type Reader struct {
	gen    Generator
	prompt string
}

func NewReader(gen Generator, prompt string) *Reader {
	return &Reader{gen: gen, prompt: prompt}
}

// Read sends the page image and decodes the model's JSON answer.
func (r *Reader) Read(ctx context.Context, png []byte) (models.StudentHeader, error) {
	out, err := r.gen.Generate(ctx, r.prompt, png)
	if err != nil {
		return models.StudentHeader{}, err
	}
	return Parse(out)
}

// rawHeader tolerates numbers written as strings ("2강") by the model.
type rawHeader struct {
	Name     string          `json:"name"`
	Lesson   json.RawMessage `json:"lesson"`
	Question json.RawMessage `json:"question_num"`
	Academy  string          `json:"academy"`
}

// Parse decodes a model answer into a StudentHeader with a canonical academy name.
func Parse(out string) (models.StudentHeader, error) {
	body := normalize.StripCodeFence(out)
	if start, end := strings.IndexByte(body, '{'), strings.LastIndexByte(body, '}'); start >= 0 && end > start {
		body = body[start : end+1]
	}

	var raw rawHeader
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return models.StudentHeader{}, models.NewPermanentAiError(fmt.Errorf("failed to decode header JSON: %w", err))
	}
	return models.StudentHeader{
		Name:     strings.TrimSpace(raw.Name),
		Lesson:   looseInt(raw.Lesson),
		Question: looseInt(raw.Question),
		Academy:  CanonicalAcademy(raw.Academy),
	}, nil
}

// CanonicalAcademy maps the many ways an academy is written to its canonical
// name. Unknown names are returned trimmed.
func CanonicalAcademy(name string) string {
	compact := strings.ToLower(strings.Join(strings.Fields(name), ""))
	if compact == "" {
		return ""
	}
	for _, a := range academyAliases {
		if strings.Contains(compact, a.keyword) {
			return a.canonical
		}
	}
	return strings.TrimSpace(name)
}

// looseInt reads 2, "2" or "2강"; anything else is 0.
func looseInt(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0
	}
	digits := strings.TrimFunc(s, func(r rune) bool { return r < '0' || r > '9' })
	if end := strings.IndexFunc(digits, func(r rune) bool { return r < '0' || r > '9' }); end >= 0 {
		digits = digits[:end]
	}
	n, _ = strconv.Atoi(digits)
	return n
}
