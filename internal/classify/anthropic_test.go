package classify

import (
	"strings"
	"testing"

	"github.com/nhle/mail-classifier/internal/mailbox"
)

func TestParseVerdicts(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    int
		wantErr bool
	}{
		{
			name: "bare array",
			text: `[{"item_id": "1", "label": "receipts", "confidence": 0.9, "reasoning": "order"}]`,
			want: 1,
		},
		{
			name: "fenced array with prose",
			text: "Here are the classifications:\n```json\n[{\"item_id\": \"1\", \"label\": \"travel\", \"confidence\": 0.8}, {\"item_id\": \"2\", \"label\": \"\", \"confidence\": 0}]\n```\nDone.",
			want: 2,
		},
		{
			name:    "no array at all",
			text:    "I cannot classify these emails.",
			wantErr: true,
		},
		{
			name:    "malformed json",
			text:    `[{"item_id": }]`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseVerdicts(tt.text)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseVerdicts: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("parsed %d verdicts, want %d", len(got), tt.want)
			}
		})
	}
}

func TestBuildPromptTruncatesBodies(t *testing.T) {
	items := []mailbox.Item{{
		ID:      "1",
		Subject: "huge newsletter",
		Text:    strings.Repeat("a", bodyPreviewLimit*3),
	}}

	prompt := buildPrompt(items, []string{"receipts"})
	if len(prompt) > bodyPreviewLimit+2000 {
		t.Errorf("prompt length %d suggests body was not truncated", len(prompt))
	}
	if !strings.Contains(prompt, "item_id: 1") {
		t.Error("prompt missing item id")
	}
	if !strings.Contains(prompt, "- receipts") {
		t.Error("prompt missing candidate label")
	}
}
