package llmtrace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/ongoingai/llmtrace/internal/message"
)

// Attachment is a file recorded with a span or trace. An empty
// ContentType is filled by sniffing Data.
type Attachment struct {
	FileName    string
	ContentType string
	Data        []byte
}

// NewAttachment sniffs the content type of data. An empty fileName is
// replaced by "attachment" plus the detected extension.
func NewAttachment(fileName string, data []byte) Attachment {
	detected := mimetype.Detect(data)
	if fileName == "" {
		fileName = "attachment" + detected.Extension()
	}
	return Attachment{
		FileName:    fileName,
		ContentType: detected.String(),
		Data:        data,
	}
}

// AttachmentFromFile reads path into an Attachment named after its base name.
func AttachmentFromFile(path string) (Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Attachment{}, fmt.Errorf("read attachment %q: %w", path, err)
	}
	return NewAttachment(filepath.Base(path), data), nil
}

func wireAttachments(attachments []Attachment) []message.Attachment {
	if len(attachments) == 0 {
		return nil
	}
	out := make([]message.Attachment, 0, len(attachments))
	for _, a := range attachments {
		contentType := a.ContentType
		if contentType == "" {
			contentType = mimetype.Detect(a.Data).String()
		}
		out = append(out, message.Attachment{
			FileName:    a.FileName,
			ContentType: contentType,
			Data:        a.Data,
		})
	}
	return out
}
