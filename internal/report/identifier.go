package report

import (
	"path/filepath"

	"github.com/stacksift/stacksift/internal/artifacts"
)

// UploadIdentifier wraps an artifact filename of the form
// <reportID>.<extension>. Construction never fails; malformed names
// degrade to reportID = name and an empty extension.
type UploadIdentifier struct {
	Value string
}

// IdentifierFromFilename builds an identifier from a bare filename.
func IdentifierFromFilename(name string) UploadIdentifier {
	return UploadIdentifier{Value: name}
}

// IdentifierFromPath builds an identifier from the last element of path.
func IdentifierFromPath(path string) UploadIdentifier {
	return UploadIdentifier{Value: filepath.Base(path)}
}

// ReportID is the part of the name before the first dot.
func (u UploadIdentifier) ReportID() string {
	id, _ := artifacts.SplitName(u.Value)
	return id
}

// FileExtension is the part after the dot when the name has exactly one.
func (u UploadIdentifier) FileExtension() string {
	_, ext := artifacts.SplitName(u.Value)
	return ext
}

// Kind is the artifact kind implied by the extension.
func (u UploadIdentifier) Kind() artifacts.Kind {
	return artifacts.KindForExtension(u.FileExtension())
}

// MIMEType is the upload content type for the identifier's kind.
func (u UploadIdentifier) MIMEType() string {
	return u.Kind().MIMEType()
}

func (u UploadIdentifier) String() string {
	return u.Value
}
