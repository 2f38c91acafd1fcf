package session

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
)

const MaxUploadBytes int64 = 1 << 20

// SupportedExtensions are offered by file pickers. Other extensions are
// accepted as long as the content is UTF-8 text.
var SupportedExtensions = []string{".txt", ".java", ".py", ".js", ".json", ".xml", ".md", ".csv"}

// ReadUploadFile validates raw upload bytes and returns them as text.
func ReadUploadFile(name string, data []byte) (string, error) {
	name = filepath.Base(name)
	if int64(len(data)) > MaxUploadBytes {
		return "", &FileError{Kind: FileTooLarge, Name: name, Size: int64(len(data))}
	}
	if !utf8.Valid(data) {
		return "", &FileError{Kind: FileEncoding, Name: name, Size: int64(len(data))}
	}
	return strings.TrimPrefix(string(data), "\uFEFF"), nil
}

// ReadUploadPath reads a file from disk, refusing anything over the limit
// before loading it.
func ReadUploadPath(path string) (string, []byte, error) {
	name := filepath.Base(path)
	f, err := os.Open(path)
	if err != nil {
		return name, nil, &FileError{Kind: FileIO, Name: name, Err: err}
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return name, nil, &FileError{Kind: FileIO, Name: name, Err: err}
	}
	if st.IsDir() {
		return name, nil, &FileError{Kind: FileIO, Name: name, Err: errors.New("is a directory")}
	}
	if st.Size() > MaxUploadBytes {
		return name, nil, &FileError{Kind: FileTooLarge, Name: name, Size: st.Size()}
	}
	data, err := io.ReadAll(io.LimitReader(f, MaxUploadBytes+1))
	if err != nil {
		return name, nil, &FileError{Kind: FileIO, Name: name, Err: err}
	}
	return name, data, nil
}

// SupportedExtension reports whether name has one of SupportedExtensions.
func SupportedExtension(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range SupportedExtensions {
		if e == ext {
			return true
		}
	}
	return false
}

// AnalysisPrompt is the synthetic user turn sent for an uploaded file.
func AnalysisPrompt(name, content string) string {
	lang := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	var b strings.Builder
	fmt.Fprintf(&b, "Please analyze the following file: %s\n\n", name)
	fmt.Fprintf(&b, "```%s\n%s\n```\n\n", lang, strings.TrimRight(content, "\n"))
	b.WriteString("Describe its structure and purpose, summarize the key content, and point out problems or suggestions for improvement.")
	return b.String()
}
