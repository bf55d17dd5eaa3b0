package gdrive

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExportNameFor(t *testing.T) {
	tests := []struct {
		name     string
		fileName string
		mimeType string
		want     string
	}{
		{"document", "Plan", "application/vnd.google-apps.document", "Plan.docx"},
		{"spreadsheet", "Budget", "application/vnd.google-apps.spreadsheet", "Budget.xlsx"},
		{"presentation", "Deck", "application/vnd.google-apps.presentation", "Deck.pptx"},
		{"drawing", "Sketch", "application/vnd.google-apps.drawing", "Sketch.pdf"},
		{"form", "Survey", "application/vnd.google-apps.form", "Survey.pdf"},
		{"script", "Macro", "application/vnd.google-apps.script", "Macro.json"},
		{"extension already present", "Plan.docx", "application/vnd.google-apps.document", "Plan.docx"},
		{"extension case-insensitive", "Plan.DOCX", "application/vnd.google-apps.document", "Plan.DOCX"},
		{"regular file untouched", "photo.jpg", "image/jpeg", "photo.jpg"},
		{"folder untouched", "Photos", folderMimeType, "Photos"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exportNameFor(tt.fileName, tt.mimeType))
		})
	}
}

func TestIsDownloadable(t *testing.T) {
	assert.True(t, isDownloadable("application/pdf"))
	assert.True(t, isDownloadable("application/vnd.google-apps.document"))
	assert.False(t, isDownloadable(folderMimeType))
	assert.False(t, isDownloadable("application/vnd.google-apps.shortcut"))
	assert.False(t, isDownloadable("application/vnd.google-apps.map"))
	assert.False(t, isDownloadable("application/vnd.google-apps.site"))
	assert.False(t, isDownloadable("application/vnd.google-apps.fusiontable"))
}
