// Package media classifies files by extension.
package media

import (
	"path/filepath"
	"strings"
)

// Kind is the category of a file, derived from its extension.
type Kind string

const (
	None     Kind = "none"
	Audio    Kind = "audio"
	Video    Kind = "video"
	Image    Kind = "image"
	Document Kind = "document"
	Archive  Kind = "archive"
	Code     Kind = "code"
)

type entry struct {
	kind Kind
	mime string
}

var types = map[string]entry{
	// audio
	".mp3":  {Audio, "audio/mpeg"},
	".m4a":  {Audio, "audio/mp4"},
	".aac":  {Audio, "audio/aac"},
	".wav":  {Audio, "audio/wav"},
	".flac": {Audio, "audio/flac"},
	".ogg":  {Audio, "audio/ogg"},
	".oga":  {Audio, "audio/ogg"},
	".opus": {Audio, "audio/opus"},
	".wma":  {Audio, "audio/x-ms-wma"},

	// video
	".mp4":  {Video, "video/mp4"},
	".m4v":  {Video, "video/mp4"},
	".webm": {Video, "video/webm"},
	".mkv":  {Video, "video/x-matroska"},
	".mov":  {Video, "video/quicktime"},
	".avi":  {Video, "video/x-msvideo"},
	".wmv":  {Video, "video/x-ms-wmv"},
	".ogv":  {Video, "video/ogg"},

	// images
	".jpg":  {Image, "image/jpeg"},
	".jpeg": {Image, "image/jpeg"},
	".png":  {Image, "image/png"},
	".gif":  {Image, "image/gif"},
	".webp": {Image, "image/webp"},
	".bmp":  {Image, "image/bmp"},
	".svg":  {Image, "image/svg+xml"},
	".heic": {Image, "image/heic"},
	".ico":  {Image, "image/x-icon"},

	// documents
	".pdf":  {Document, "application/pdf"},
	".doc":  {Document, "application/msword"},
	".docx": {Document, "application/vnd.openxmlformats-officedocument.wordprocessingml.document"},
	".xls":  {Document, "application/vnd.ms-excel"},
	".xlsx": {Document, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"},
	".ppt":  {Document, "application/vnd.ms-powerpoint"},
	".pptx": {Document, "application/vnd.openxmlformats-officedocument.presentationml.presentation"},
	".odt":  {Document, "application/vnd.oasis.opendocument.text"},
	".rtf":  {Document, "application/rtf"},
	".txt":  {Document, "text/plain; charset=utf-8"},
	".md":   {Document, "text/markdown; charset=utf-8"},
	".epub": {Document, "application/epub+zip"},

	// archives
	".zip": {Archive, "application/zip"},
	".tar": {Archive, "application/x-tar"},
	".gz":  {Archive, "application/gzip"},
	".tgz": {Archive, "application/gzip"},
	".bz2": {Archive, "application/x-bzip2"},
	".xz":  {Archive, "application/x-xz"},
	".7z":  {Archive, "application/x-7z-compressed"},
	".rar": {Archive, "application/vnd.rar"},

	// code and text formats, served as plain text so browsers never run them
	".go":   {Code, "text/plain; charset=utf-8"},
	".py":   {Code, "text/plain; charset=utf-8"},
	".js":   {Code, "text/plain; charset=utf-8"},
	".ts":   {Code, "text/plain; charset=utf-8"},
	".tsx":  {Code, "text/plain; charset=utf-8"},
	".jsx":  {Code, "text/plain; charset=utf-8"},
	".rs":   {Code, "text/plain; charset=utf-8"},
	".java": {Code, "text/plain; charset=utf-8"},
	".c":    {Code, "text/plain; charset=utf-8"},
	".h":    {Code, "text/plain; charset=utf-8"},
	".cpp":  {Code, "text/plain; charset=utf-8"},
	".hpp":  {Code, "text/plain; charset=utf-8"},
	".sh":   {Code, "text/plain; charset=utf-8"},
	".css":  {Code, "text/plain; charset=utf-8"},
	".html": {Code, "text/plain; charset=utf-8"},
	".json": {Code, "text/plain; charset=utf-8"},
	".yaml": {Code, "text/plain; charset=utf-8"},
	".yml":  {Code, "text/plain; charset=utf-8"},
	".toml": {Code, "text/plain; charset=utf-8"},
	".xml":  {Code, "text/plain; charset=utf-8"},
	".sql":  {Code, "text/plain; charset=utf-8"},
}

func ext(name string) string {
	return strings.ToLower(filepath.Ext(name))
}

// KindOf returns the Kind of a file name. Unknown extensions are None.
func KindOf(name string) Kind {
	if e, ok := types[ext(name)]; ok {
		return e.kind
	}
	return None
}

// ContentType returns the MIME type for a file name. Anything outside the
// table is application/octet-stream so the browser never renders it.
func ContentType(name string) string {
	if e, ok := types[ext(name)]; ok {
		return e.mime
	}
	return "application/octet-stream"
}
