package store

import (
	"fmt"
	"mime"
	"path/filepath"
)

const PDFContentType = "application/pdf"

// BookKey builds the canonical artifact key for a rendered book. The
// whole path of an issue's artifacts can be dropped with DeletePath.
func BookKey(groupId, issueId string, issueNumber int) string {
	return fmt.Sprintf("books/%s/%s/book_%d.pdf", groupId, issueId, issueNumber)
}

// BookPath is the key prefix holding every artifact of one issue.
func BookPath(groupId, issueId string) string {
	return fmt.Sprintf("books/%s/%s/", groupId, issueId)
}

// ImageKey builds the storage key for an uploaded post image. The
// original extension is kept so the content type survives a re-read.
func ImageKey(issueId, imageId, name string) string {
	return fmt.Sprintf("images/%s/%s%s", issueId, imageId, filepath.Ext(name))
}

// ContentTypeByName resolves a content type from a file name extension.
func ContentTypeByName(name string) string {
	return mime.TypeByExtension(filepath.Ext(name))
}
