package dawtempo

import (
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gitlab.com/gomidi/midi/v2/smf"
)

// Project is the common surface every supported DAW format parser
// implements. It generalizes the teacher's single-format SongInterface into
// a closed two-member union (*AbletonProject, *FlStudioProject), dispatched
// statically by extension rather than through runtime registration - see
// SPEC_FULL.md's Design Notes.
type Project interface {
	// Parse performs all parsing and timeline resolution over the bytes
	// read when the project was constructed; it does no I/O itself.
	Parse() error

	// Markers returns resolved markers in real-time order.
	Markers() []Marker

	// TempoAutomationEvents returns the ordered tempo sequence.
	TempoAutomationEvents() []TempoPoint

	// EmitTempoMap packs TempoAutomationEvents into an smf.Track ready to
	// be added to an smf.SMF by an external collaborator.
	EmitTempoMap() (smf.Track, error)

	// Filename returns the source identifier the project was loaded from.
	Filename() string
}

// parserConstructor builds a Project from a raw byte stream. Each
// constructor reads the whole stream into memory up front; decoding waits
// until Parse is called.
type parserConstructor func(filename string, stream io.Reader, opts EngineOptions) Project

// parserRegistry maps a lowercased file extension (including the leading
// dot) to the constructor for that format. It is a constant table built
// once at package initialization, never mutated afterward: the "global
// mutable state" called out in SPEC_FULL.md's Design Notes doesn't apply
// here because nothing ever writes to this map after init.
var parserRegistry = map[string]parserConstructor{
	".als": func(filename string, stream io.Reader, opts EngineOptions) Project {
		return newAbletonProject(filename, stream, opts)
	},
	".flp": func(filename string, stream io.Reader, opts EngineOptions) Project {
		return newFlStudioProject(filename, stream, opts)
	},
}

// LoadProject dispatches by filename extension to the appropriate parser
// and returns an unparsed Project. Call Parse on the result to populate it.
func LoadProject(filename string, stream io.Reader, opts EngineOptions) (Project, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	SetLogLevel(opts.LogLevel)

	ext := strings.ToLower(filepath.Ext(filename))
	ctor, ok := parserRegistry[ext]
	if !ok {
		return nil, &UnknownExtension{Filename: filename, Ext: ext}
	}

	return ctor(filename, stream, opts), nil
}

// newParseID generates the per-project correlation id, created when the
// project is constructed and attached to its log lines and FormatErrors.
func newParseID() string {
	return uuid.NewString()
}

func formatErr(filename, parseID, detail string, err error) error {
	return &FormatError{Filename: filename, Detail: detail, ParseID: parseID, Err: err}
}
