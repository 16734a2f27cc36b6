package conversation

import (
	"encoding/json"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Fragments is an ordered fragment list with a kind-tagged JSON and YAML encoding.
type Fragments []Fragment

// fragmentRecord is the flat, kind-discriminated wire shape of a fragment.
type fragmentRecord struct {
	Kind          FragmentKind `json:"kind" yaml:"kind"`
	ID            FragmentID   `json:"id" yaml:"id"`
	Text          string       `json:"text,omitempty" yaml:"text,omitempty"`
	AuxType       AuxType      `json:"auxType,omitempty" yaml:"auxType,omitempty"`
	TextSignature string       `json:"textSignature,omitempty" yaml:"textSignature,omitempty"`
	RedactedData  []string     `json:"redactedData,omitempty" yaml:"redactedData,omitempty"`
	Citations     []Citation   `json:"citations,omitempty" yaml:"citations,omitempty"`
	URL           string       `json:"url,omitempty" yaml:"url,omitempty"`
	MimeType      string       `json:"mimeType,omitempty" yaml:"mimeType,omitempty"`
	AltText       string       `json:"altText,omitempty" yaml:"altText,omitempty"`
	Width         int          `json:"width,omitempty" yaml:"width,omitempty"`
	Height        int          `json:"height,omitempty" yaml:"height,omitempty"`
}

type recordBuilder struct {
	rec fragmentRecord
}

func (b *recordBuilder) VisitText(f *TextFragment) {
	b.rec = fragmentRecord{Kind: FragmentKindText, ID: f.ID, Text: f.Text}
}

func (b *recordBuilder) VisitPlaceholder(f *PlaceholderFragment) {
	b.rec = fragmentRecord{Kind: FragmentKindPlaceholder, ID: f.ID, Text: f.Text}
}

func (b *recordBuilder) VisitModelAux(f *ModelAuxFragment) {
	b.rec = fragmentRecord{
		Kind:          FragmentKindModelAux,
		ID:            f.ID,
		AuxType:       f.AuxType,
		Text:          f.Text,
		TextSignature: f.TextSignature,
		RedactedData:  f.RedactedData,
	}
}

func (b *recordBuilder) VisitAnnotations(f *AnnotationsFragment) {
	b.rec = fragmentRecord{Kind: FragmentKindAnnotations, ID: f.ID, Citations: f.Citations}
}

func (b *recordBuilder) VisitImageRef(f *ImageRefFragment) {
	b.rec = fragmentRecord{
		Kind:     FragmentKindImageRef,
		ID:       f.ID,
		URL:      f.URL,
		MimeType: f.MimeType,
		AltText:  f.AltText,
		Width:    f.Width,
		Height:   f.Height,
	}
}

func toRecord(f Fragment) fragmentRecord {
	b := &recordBuilder{}
	f.Accept(b)
	return b.rec
}

func fromRecord(r fragmentRecord) (Fragment, error) {
	if r.ID == "" {
		r.ID = NewFragmentID()
	}
	switch r.Kind {
	case FragmentKindText:
		return &TextFragment{ID: r.ID, Text: r.Text}, nil
	case FragmentKindPlaceholder:
		return &PlaceholderFragment{ID: r.ID, Text: r.Text}, nil
	case FragmentKindModelAux:
		auxType := r.AuxType
		if auxType == "" {
			auxType = AuxTypeReasoning
		}
		return &ModelAuxFragment{
			ID:            r.ID,
			AuxType:       auxType,
			Text:          r.Text,
			TextSignature: r.TextSignature,
			RedactedData:  r.RedactedData,
		}, nil
	case FragmentKindAnnotations:
		return &AnnotationsFragment{ID: r.ID, Citations: r.Citations}, nil
	case FragmentKindImageRef:
		return &ImageRefFragment{
			ID:       r.ID,
			URL:      r.URL,
			MimeType: r.MimeType,
			AltText:  r.AltText,
			Width:    r.Width,
			Height:   r.Height,
		}, nil
	default:
		return nil, errors.Errorf("unknown fragment kind %q", r.Kind)
	}
}

func (fs Fragments) records() []fragmentRecord {
	recs := make([]fragmentRecord, 0, len(fs))
	for _, f := range fs {
		if f == nil {
			continue
		}
		recs = append(recs, toRecord(f))
	}
	return recs
}

func fragmentsFromRecords(recs []fragmentRecord) (Fragments, error) {
	out := make(Fragments, 0, len(recs))
	for i, r := range recs {
		f, err := fromRecord(r)
		if err != nil {
			return nil, errors.Wrapf(err, "fragment %d", i)
		}
		out = append(out, f)
	}
	return out, nil
}

func (fs Fragments) MarshalJSON() ([]byte, error) {
	return json.Marshal(fs.records())
}

func (fs *Fragments) UnmarshalJSON(data []byte) error {
	var recs []fragmentRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		return err
	}
	out, err := fragmentsFromRecords(recs)
	if err != nil {
		return err
	}
	*fs = out
	return nil
}

func (fs Fragments) MarshalYAML() (interface{}, error) {
	return fs.records(), nil
}

func (fs *Fragments) UnmarshalYAML(node *yaml.Node) error {
	var recs []fragmentRecord
	if err := node.Decode(&recs); err != nil {
		return err
	}
	out, err := fragmentsFromRecords(recs)
	if err != nil {
		return err
	}
	*fs = out
	return nil
}
