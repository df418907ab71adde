package handlers

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/MegaGrindStone/chatai-web/internal/models"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

type message struct {
	ID    string
	Role  string
	Label string

	// Text is set for user messages and escaped by the template.
	Text string
	// HTML is set for assistant messages, rendered from markdown.
	HTML template.HTML
}

type markdown struct {
	md goldmark.Markdown
}

func newMarkdown() markdown {
	return markdown{
		md: goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
				highlighting.NewHighlighting(
					highlighting.WithStyle("github"),
				),
			),
			// Raw HTML in answers is dropped since html.WithUnsafe is not set.
			goldmark.WithRendererOptions(
				html.WithHardWraps(),
			),
		),
	}
}

func (m markdown) render(src string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := m.md.Convert([]byte(src), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return template.HTML(buf.String()), nil
}

func (m markdown) message(msg models.Message) (message, error) {
	res := message{
		ID:    msg.ID,
		Role:  string(msg.Role),
		Label: msg.Role.Label(),
	}
	if msg.Role != models.RoleAssistant {
		res.Text = msg.Content
		return res, nil
	}

	h, err := m.render(msg.Content)
	if err != nil {
		return message{}, err
	}
	res.HTML = h
	return res, nil
}

func (m markdown) messages(msgs []models.Message) ([]message, error) {
	res := make([]message, len(msgs))
	for i, msg := range msgs {
		rm, err := m.message(msg)
		if err != nil {
			return nil, err
		}
		res[i] = rm
	}
	return res, nil
}
