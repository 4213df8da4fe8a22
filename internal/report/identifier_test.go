package report

import (
	"testing"

	"github.com/stacksift/stacksift/internal/artifacts"
)

func TestUploadIdentifierMIMEType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		want string
	}{
		{"abc123.log", "application/vnd.stacksift-impact"},
		{"0f3a.mxdiagnostic", "application/vnd.apple-mxdiagnostic"},
		{"abc123.txt", "application/octet-stream"},
		{"abc123", "application/octet-stream"},
		{"a.b.log", "application/octet-stream"},
	}

	for _, tt := range tests {
		if got := IdentifierFromFilename(tt.name).MIMEType(); got != tt.want {
			t.Errorf("MIMEType(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestUploadIdentifierParts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		wantReport string
		wantExt    string
	}{
		{"abc123.log", "abc123", "log"},
		{"no-extension-name", "no-extension-name", ""},
		{"a.b.c", "a", ""},
	}

	for _, tt := range tests {
		id := IdentifierFromFilename(tt.name)
		if got := id.ReportID(); got != tt.wantReport {
			t.Errorf("ReportID(%q) = %q, want %q", tt.name, got, tt.wantReport)
		}
		if got := id.FileExtension(); got != tt.wantExt {
			t.Errorf("FileExtension(%q) = %q, want %q", tt.name, got, tt.wantExt)
		}
	}
}

func TestIdentifierFromPath(t *testing.T) {
	t.Parallel()

	id := IdentifierFromPath("/tmp/reports/c3.mxdiagnostic")
	if id.ReportID() != "c3" {
		t.Fatalf("ReportID() = %q, want c3", id.ReportID())
	}
	if id.Kind() != artifacts.KindDiagnostic {
		t.Fatalf("Kind() = %v, want diagnostic", id.Kind())
	}
	if id.String() != "c3.mxdiagnostic" {
		t.Fatalf("String() = %q", id.String())
	}
}
