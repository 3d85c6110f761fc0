package sanitize

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	v "github.com/cohesivestack/valgo"
	"github.com/theapemachine/agentwire/pkg/a2a"
)

// Default caps, overridable per instance via the With* options.
const (
	DefaultMaxParts        = 100
	DefaultMaxTextBytes    = 512 << 10 // 512 KiB per text part
	DefaultMaxMessageBytes = 1 << 20   // 1 MiB serialized
	maxMessageIDLength     = 256
	maxFilenameLength      = 255

	// FallbackFilename substitutes a filename that scrubs down to nothing.
	FallbackFilename = "unnamed_file"
)

var (
	roles = []string{a2a.RoleUser, a2a.RoleAgent}
	kinds = []string{string(a2a.PartKindText), string(a2a.PartKindFile), string(a2a.PartKindData)}

	mimePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9\-_.+]*/[A-Za-z0-9][A-Za-z0-9\-_.+]*$`)

	allowedURISchemes = map[string]bool{"http": true, "https": true, "file": true}
	deniedURISchemes  = map[string]bool{"javascript": true, "data": true, "vbscript": true}
)

/*
Sanitizer validates and normalizes inbound messages before anything else in
the server touches them.  SanitizeMessage is a pure function over its input:
it never mutates the argument and has no side effects, so a rejected message
leaves no trace.  Sanitizing an already-sanitized message is a no-op.
*/
type Sanitizer struct {
	maxParts        int
	maxTextBytes    int
	maxMessageBytes int
}

type Option func(*Sanitizer)

func WithMaxParts(n int) Option {
	return func(s *Sanitizer) { s.maxParts = n }
}

func WithMaxTextBytes(n int) Option {
	return func(s *Sanitizer) { s.maxTextBytes = n }
}

func WithMaxMessageBytes(n int) Option {
	return func(s *Sanitizer) { s.maxMessageBytes = n }
}

func New(opts ...Option) *Sanitizer {
	s := &Sanitizer{
		maxParts:        DefaultMaxParts,
		maxTextBytes:    DefaultMaxTextBytes,
		maxMessageBytes: DefaultMaxMessageBytes,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

/*
SanitizeMessage returns a scrubbed copy of msg, or an error naming the first
violated rule.  Checks run in a fixed order: identity fields, part count,
per-part content, then the total serialized size of the scrubbed result.
*/
func (s *Sanitizer) SanitizeMessage(msg a2a.Message) (a2a.Message, error) {
	out := msg

	out.MessageID = scrubString(msg.MessageID)
	out.Role = scrubString(msg.Role)
	out.ContextID = scrubString(msg.ContextID)
	out.TaskID = scrubString(msg.TaskID)

	// Titles repeat the names so errors carry the wire-exact field name.
	val := v.Is(v.String(out.MessageID, "messageId", "messageId").Not().Blank().MaxLength(maxMessageIDLength)).
		Is(v.String(out.Role, "role", "role").InSlice(roles))
	if !val.Valid() {
		return a2a.Message{}, val.Error()
	}

	if len(msg.Parts) > s.maxParts {
		return a2a.Message{}, fmt.Errorf("message carries %d parts, limit is %d", len(msg.Parts), s.maxParts)
	}

	out.Parts = make([]a2a.Part, len(msg.Parts))
	for i, part := range msg.Parts {
		clean, err := s.sanitizePart(part)
		if err != nil {
			return a2a.Message{}, fmt.Errorf("parts[%d]: %w", i, err)
		}
		out.Parts[i] = clean
	}

	var err error
	if out.Metadata, err = scrubMetadata(msg.Metadata); err != nil {
		return a2a.Message{}, fmt.Errorf("metadata: %w", err)
	}

	serialized, err := json.Marshal(out)
	if err != nil {
		return a2a.Message{}, fmt.Errorf("message does not serialize: %w", err)
	}
	if len(serialized) > s.maxMessageBytes {
		return a2a.Message{}, fmt.Errorf("message exceeds %d bytes", s.maxMessageBytes)
	}

	return out, nil
}

// SanitizeMetadata scrubs a free-standing metadata map with the same rules
// applied to message metadata: string scrubbing, depth and size limits.
func (s *Sanitizer) SanitizeMetadata(meta map[string]any) (map[string]any, error) {
	return scrubMetadata(meta)
}

func (s *Sanitizer) sanitizePart(part a2a.Part) (a2a.Part, error) {
	out := part

	val := v.Is(v.String(string(part.Kind), "kind", "kind").InSlice(kinds))
	if !val.Valid() {
		return a2a.Part{}, val.Error()
	}

	// Exactly one payload field may be populated, and it has to be the one
	// the kind names.
	switch part.Kind {
	case a2a.PartKindText:
		if part.File != nil || part.Data != nil {
			return a2a.Part{}, fmt.Errorf("text part carries non-text payload")
		}
		out.Text = scrubString(part.Text)
		if len(out.Text) > s.maxTextBytes {
			return a2a.Part{}, fmt.Errorf("text part exceeds %d bytes", s.maxTextBytes)
		}

	case a2a.PartKindFile:
		if part.File == nil {
			return a2a.Part{}, fmt.Errorf("file part without file payload")
		}
		if part.Text != "" || part.Data != nil {
			return a2a.Part{}, fmt.Errorf("file part carries non-file payload")
		}
		file, err := sanitizeFile(*part.File)
		if err != nil {
			return a2a.Part{}, err
		}
		out.File = &file

	case a2a.PartKindData:
		if part.Data == nil {
			return a2a.Part{}, fmt.Errorf("data part without data payload")
		}
		if part.Text != "" || part.File != nil {
			return a2a.Part{}, fmt.Errorf("data part carries non-data payload")
		}
		data, err := scrubMetadata(part.Data)
		if err != nil {
			return a2a.Part{}, fmt.Errorf("data part does not serialize: %w", err)
		}
		out.Data = data
	}

	var err error
	if out.Metadata, err = scrubMetadata(part.Metadata); err != nil {
		return a2a.Part{}, fmt.Errorf("part metadata: %w", err)
	}

	return out, nil
}

func sanitizeFile(file a2a.FilePart) (a2a.FilePart, error) {
	out := file
	out.Data = scrubString(file.Data)

	if file.Name != nil {
		name := SanitizeFilename(*file.Name)
		out.Name = &name
	}

	if file.MimeType != nil {
		mime := strings.ToLower(scrubString(*file.MimeType))
		val := v.Is(v.String(mime, "mimeType", "mimeType").MatchingTo(mimePattern))
		if !val.Valid() {
			return a2a.FilePart{}, val.Error()
		}
		out.MimeType = &mime
	}

	if file.URI != "" {
		uri, err := sanitizeURI(file.URI)
		if err != nil {
			return a2a.FilePart{}, err
		}
		out.URI = uri
	}

	return out, nil
}

/*
SanitizeFilename strips path separators and leading dots so a hostile name
cannot traverse or hide, truncates to the filesystem-safe 255 chars, and
falls back to FallbackFilename when nothing survives.
*/
func SanitizeFilename(name string) string {
	clean := scrubString(name)
	clean = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':':
			return -1
		}
		return r
	}, clean)
	clean = strings.TrimLeft(clean, ".")

	if len(clean) > maxFilenameLength {
		clean = clean[:maxFilenameLength]
	}

	if clean == "" {
		return FallbackFilename
	}

	return clean
}

func sanitizeURI(raw string) (string, error) {
	clean := scrubString(raw)

	parsed, err := url.Parse(clean)
	if err != nil {
		return "", fmt.Errorf("invalid uri: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if deniedURISchemes[scheme] {
		return "", fmt.Errorf("dangerous uri protocol %q", scheme)
	}
	if !allowedURISchemes[scheme] {
		return "", fmt.Errorf("unsupported uri protocol %q", scheme)
	}

	return clean, nil
}

/*
scrubString removes NUL and the ASCII control characters (0x00-0x08, 0x0B,
0x0C, 0x0E-0x1F, 0x7F) while keeping tab, newline and carriage return.
*/
func scrubString(s string) string {
	// Fast path: most strings carry nothing to scrub.
	if !strings.ContainsFunc(s, isControlChar) {
		return s
	}

	return strings.Map(func(r rune) rune {
		if isControlChar(r) {
			return -1
		}
		return r
	}, s)
}

func isControlChar(r rune) bool {
	switch {
	case r >= 0x00 && r <= 0x08:
		return true
	case r == 0x0B || r == 0x0C:
		return true
	case r >= 0x0E && r <= 0x1F:
		return true
	case r == 0x7F:
		return true
	}
	return false
}

// scrubMetadata scrubs string keys and values and requires every value to
// survive a JSON round trip, keeping the bag serializable.
func scrubMetadata(meta map[string]any) (map[string]any, error) {
	if meta == nil {
		return nil, nil
	}

	out := make(map[string]any, len(meta))
	for key, value := range meta {
		clean, err := scrubValue(value)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", key, err)
		}
		out[scrubString(key)] = clean
	}

	return out, nil
}

func scrubValue(value any) (any, error) {
	switch typed := value.(type) {
	case string:
		return scrubString(typed), nil
	case nil, bool, float64, float32, int, int32, int64:
		return typed, nil
	case map[string]any:
		return scrubMetadata(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			clean, err := scrubValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = clean
		}
		return out, nil
	default:
		return roundTripJSON(typed)
	}
}

// roundTripJSON proves a value serializes and returns the decoded form so
// the stored copy matches what a reader would see on the wire.
func roundTripJSON[T any](value T) (T, error) {
	var out T

	raw, err := json.Marshal(value)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}

	return out, nil
}
