package conversation

import (
	"github.com/google/uuid"
)

type FragmentID string

func NewFragmentID() FragmentID {
	return FragmentID(uuid.NewString())
}

type FragmentKind string

const (
	FragmentKindText        FragmentKind = "text"
	FragmentKindPlaceholder FragmentKind = "placeholder"
	FragmentKindModelAux    FragmentKind = "model-aux"
	FragmentKindAnnotations FragmentKind = "annotations"
	FragmentKindImageRef    FragmentKind = "image-ref"
)

// Fragment is one unit of message content.
//
// The set of fragment kinds is closed: the marker method is unexported, so only
// this package can add kinds. Code that needs to handle every kind implements
// FragmentVisitor, which gains a method whenever a kind is added.
//
// Fragments are immutable once constructed. Replacing content means swapping in
// a new fragment value.
type Fragment interface {
	FragmentID() FragmentID
	Kind() FragmentKind
	Accept(v FragmentVisitor)
	isFragment()
}

// FragmentVisitor has one method per fragment kind.
type FragmentVisitor interface {
	VisitText(f *TextFragment)
	VisitPlaceholder(f *PlaceholderFragment)
	VisitModelAux(f *ModelAuxFragment)
	VisitAnnotations(f *AnnotationsFragment)
	VisitImageRef(f *ImageRefFragment)
}

type TextFragment struct {
	ID   FragmentID
	Text string
}

func NewTextFragment(text string) *TextFragment {
	return &TextFragment{ID: NewFragmentID(), Text: text}
}

func (f *TextFragment) FragmentID() FragmentID   { return f.ID }
func (f *TextFragment) Kind() FragmentKind       { return FragmentKindText }
func (f *TextFragment) Accept(v FragmentVisitor) { v.VisitText(f) }
func (f *TextFragment) isFragment()              {}

// PlaceholderFragment stands in for content that is still being generated.
type PlaceholderFragment struct {
	ID   FragmentID
	Text string
}

func NewPlaceholderFragment(text string) *PlaceholderFragment {
	return &PlaceholderFragment{ID: NewFragmentID(), Text: text}
}

func (f *PlaceholderFragment) FragmentID() FragmentID   { return f.ID }
func (f *PlaceholderFragment) Kind() FragmentKind       { return FragmentKindPlaceholder }
func (f *PlaceholderFragment) Accept(v FragmentVisitor) { v.VisitPlaceholder(f) }
func (f *PlaceholderFragment) isFragment()              {}

type AuxType string

const AuxTypeReasoning AuxType = "reasoning"

// ModelAuxFragment carries auxiliary model output such as reasoning traces.
// Providers may sign the text or return it redacted.
type ModelAuxFragment struct {
	ID            FragmentID
	AuxType       AuxType
	Text          string
	TextSignature string
	RedactedData  []string
}

func NewReasoningFragment(text string, signature string) *ModelAuxFragment {
	return &ModelAuxFragment{
		ID:            NewFragmentID(),
		AuxType:       AuxTypeReasoning,
		Text:          text,
		TextSignature: signature,
	}
}

func (f *ModelAuxFragment) FragmentID() FragmentID   { return f.ID }
func (f *ModelAuxFragment) Kind() FragmentKind       { return FragmentKindModelAux }
func (f *ModelAuxFragment) Accept(v FragmentVisitor) { v.VisitModelAux(f) }
func (f *ModelAuxFragment) isFragment()              {}

type Citation struct {
	Title  string          `json:"title,omitempty" yaml:"title,omitempty"`
	URL    string          `json:"url" yaml:"url"`
	Ranges []CitationRange `json:"ranges,omitempty" yaml:"ranges,omitempty"`
}

type CitationRange struct {
	Start int    `json:"start" yaml:"start"`
	End   int    `json:"end,omitempty" yaml:"end,omitempty"`
	Text  string `json:"text,omitempty" yaml:"text,omitempty"`
}

type AnnotationsFragment struct {
	ID        FragmentID
	Citations []Citation
}

func NewAnnotationsFragment(citations ...Citation) *AnnotationsFragment {
	return &AnnotationsFragment{ID: NewFragmentID(), Citations: citations}
}

func (f *AnnotationsFragment) FragmentID() FragmentID   { return f.ID }
func (f *AnnotationsFragment) Kind() FragmentKind       { return FragmentKindAnnotations }
func (f *AnnotationsFragment) Accept(v FragmentVisitor) { v.VisitAnnotations(f) }
func (f *AnnotationsFragment) isFragment()              {}

// ImageRefFragment points at image data held elsewhere (an URL or a blob id).
type ImageRefFragment struct {
	ID       FragmentID
	URL      string
	MimeType string
	AltText  string
	Width    int
	Height   int
}

func NewImageRefFragment(url string, mimeType string) *ImageRefFragment {
	return &ImageRefFragment{ID: NewFragmentID(), URL: url, MimeType: mimeType}
}

func (f *ImageRefFragment) FragmentID() FragmentID   { return f.ID }
func (f *ImageRefFragment) Kind() FragmentKind       { return FragmentKindImageRef }
func (f *ImageRefFragment) Accept(v FragmentVisitor) { v.VisitImageRef(f) }
func (f *ImageRefFragment) isFragment()              {}

var (
	_ Fragment = (*TextFragment)(nil)
	_ Fragment = (*PlaceholderFragment)(nil)
	_ Fragment = (*ModelAuxFragment)(nil)
	_ Fragment = (*AnnotationsFragment)(nil)
	_ Fragment = (*ImageRefFragment)(nil)
)

// FragmentText returns the text a fragment contributes to the visible message.
// Placeholders, annotations and images contribute nothing.
func FragmentText(f Fragment) string {
	switch f := f.(type) {
	case *TextFragment:
		return f.Text
	default:
		return ""
	}
}

// IsPlaceholder reports whether f is still waiting for content.
func IsPlaceholder(f Fragment) bool {
	_, ok := f.(*PlaceholderFragment)
	return ok
}

type rekeyVisitor struct {
	out Fragment
}

func (v *rekeyVisitor) VisitText(f *TextFragment) {
	cp := *f
	cp.ID = NewFragmentID()
	v.out = &cp
}

func (v *rekeyVisitor) VisitPlaceholder(f *PlaceholderFragment) {
	cp := *f
	cp.ID = NewFragmentID()
	v.out = &cp
}

func (v *rekeyVisitor) VisitModelAux(f *ModelAuxFragment) {
	cp := *f
	cp.ID = NewFragmentID()
	cp.RedactedData = append([]string(nil), f.RedactedData...)
	v.out = &cp
}

func (v *rekeyVisitor) VisitAnnotations(f *AnnotationsFragment) {
	cp := *f
	cp.ID = NewFragmentID()
	cp.Citations = append([]Citation(nil), f.Citations...)
	v.out = &cp
}

func (v *rekeyVisitor) VisitImageRef(f *ImageRefFragment) {
	cp := *f
	cp.ID = NewFragmentID()
	v.out = &cp
}

// RekeyFragment returns a copy of f carrying a fresh id, or nil for nil.
func RekeyFragment(f Fragment) Fragment {
	if f == nil {
		return nil
	}
	v := &rekeyVisitor{}
	f.Accept(v)
	return v.out
}
