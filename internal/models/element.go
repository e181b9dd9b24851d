package models

// Element display modes.
const (
	DisplayInline = "inline"
	DisplaySide   = "side"
	DisplayPage   = "page"
)

// Element is a file or media attachment bound to a step. Path and
// Content are transient delivery sources: the preprocessing pass uploads
// them into object storage and clears them, so only the persisted
// columns reach the database.
type Element struct {
	ID          string         `gorm:"column:id;primaryKey;size:36"`
	ThreadID    string         `gorm:"column:threadId;size:36;index"`
	Type        string         `gorm:"column:type;size:64"`
	URL         string         `gorm:"column:url;size:1024"`
	ChainlitKey string         `gorm:"column:chainlitKey;size:1024"`
	ObjectKey   string         `gorm:"column:objectKey;size:1024"`
	Name        string         `gorm:"column:name;size:255"`
	Display     string         `gorm:"column:display;size:32"`
	Size        string         `gorm:"column:size;size:32"`
	Page        *int           `gorm:"column:page"`
	Language    string         `gorm:"column:language;size:64"`
	ForID       string         `gorm:"column:forId;size:36;index"`
	Mime        string         `gorm:"column:mime;size:255"`
	Props       map[string]any `gorm:"column:props;serializer:json"`

	Path    string `gorm:"-"`
	Content []byte `gorm:"-"`
}

func (Element) TableName() string { return "elements" }

// Clone returns a copy sharing no mutable state with e.
func (e *Element) Clone() *Element {
	if e == nil {
		return nil
	}
	c := *e
	if e.Content != nil {
		c.Content = append([]byte(nil), e.Content...)
	}
	if e.Page != nil {
		p := *e.Page
		c.Page = &p
	}
	if e.Props != nil {
		c.Props = make(map[string]any, len(e.Props))
		for k, v := range e.Props {
			c.Props[k] = v
		}
	}
	return &c
}

// CloneElements deep-copies a slice of elements.
func CloneElements(els []*Element) []*Element {
	if els == nil {
		return nil
	}
	out := make([]*Element, len(els))
	for i, el := range els {
		out[i] = el.Clone()
	}
	return out
}

// HasSource reports whether the element carries at least one way to
// materialise its bytes.
func (e *Element) HasSource() bool {
	return e.SourceKind() != ""
}

// SourceKind names the first usable source in fetch-priority order:
// a local path beats a URL beats in-memory bytes beats storage keys.
func (e *Element) SourceKind() string {
	switch {
	case e.Path != "":
		return "path"
	case e.URL != "":
		return "url"
	case len(e.Content) > 0:
		return "content"
	case e.ObjectKey != "":
		return "objectKey"
	case e.ChainlitKey != "":
		return "chainlitKey"
	default:
		return ""
	}
}
