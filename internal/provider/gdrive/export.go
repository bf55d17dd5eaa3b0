package gdrive

import "strings"

const folderMimeType = "application/vnd.google-apps.folder"

// exportFormat pairs the MIME type a Google-native document exports to
// with the extension its backup copy gets.
type exportFormat struct {
	mimeType  string
	extension string
}

// exportFormats maps Google-native MIME types to their export format.
// Anything absent downloads as-is via alt=media.
var exportFormats = map[string]exportFormat{
	"application/vnd.google-apps.document": {
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document", ".docx",
	},
	"application/vnd.google-apps.spreadsheet": {
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", ".xlsx",
	},
	"application/vnd.google-apps.presentation": {
		"application/vnd.openxmlformats-officedocument.presentationml.presentation", ".pptx",
	},
	"application/vnd.google-apps.drawing": {"application/pdf", ".pdf"},
	"application/vnd.google-apps.form":    {"application/pdf", ".pdf"},
	"application/vnd.google-apps.script":  {"application/vnd.google-apps.script+json", ".json"},
}

// nonDownloadableTypes have neither content nor an export format.
var nonDownloadableTypes = map[string]bool{
	folderMimeType:                          true,
	"application/vnd.google-apps.shortcut":  true,
	"application/vnd.google-apps.map":       true,
	"application/vnd.google-apps.site":      true,
	"application/vnd.google-apps.fusiontable": true,
}

// exportNameFor returns the backup filename for a remote file, appending
// the export extension for Google-native documents unless the name already
// carries it.
func exportNameFor(name, mimeType string) string {
	f, ok := exportFormats[mimeType]
	if !ok {
		return name
	}

	if strings.HasSuffix(strings.ToLower(name), f.extension) {
		return name
	}

	return name + f.extension
}

func isDownloadable(mimeType string) bool {
	return !nonDownloadableTypes[mimeType]
}
