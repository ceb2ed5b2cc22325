package database

// Attachment is an image registered with the host.
type Attachment struct {
	ID           int64
	MimeType     string
	RelativePath string
	Title        string
	GUID         string
	Metadata     *AttachmentMetadata
	// RawMetadata is the serialised metadata as stored, kept verbatim for
	// rollback.
	RawMetadata string
}

// AttachmentRef is the light listing form of an attachment.
type AttachmentRef struct {
	ID           int64  `json:"id"`
	MimeType     string `json:"mime_type"`
	RelativePath string `json:"relative_path"`
	Title        string `json:"title"`
}

// AttachmentQuery pages through attachments in id order.
type AttachmentQuery struct {
	Mimes   []string
	AfterID int64
	Limit   int
}

// TextRow is a long-form content row (post or comment body).
type TextRow struct {
	ID      int64
	Content string
}

// MetaKind describes one of the host's key/value meta tables.
type MetaKind struct {
	Name        string // post, user, term, comment
	Table       string // unprefixed table name
	IDColumn    string
	OwnerColumn string
}

// Surface is the metrics/report label of the meta table.
func (k MetaKind) Surface() string {
	return k.Table
}

var (
	PostMeta    = MetaKind{Name: "post", Table: "postmeta", IDColumn: "meta_id", OwnerColumn: "post_id"}
	UserMeta    = MetaKind{Name: "user", Table: "usermeta", IDColumn: "umeta_id", OwnerColumn: "user_id"}
	TermMeta    = MetaKind{Name: "term", Table: "termmeta", IDColumn: "meta_id", OwnerColumn: "term_id"}
	CommentMeta = MetaKind{Name: "comment", Table: "commentmeta", IDColumn: "meta_id", OwnerColumn: "comment_id"}
)

// MetaKinds lists every meta table the rewriter scans.
func MetaKinds() []MetaKind {
	return []MetaKind{PostMeta, UserMeta, TermMeta, CommentMeta}
}

// MetaRow is one row of a meta table.
type MetaRow struct {
	MetaID  int64
	OwnerID int64
	Key     string
	Value   string
}

// OptionRow is one global option.
type OptionRow struct {
	Name  string
	Value string
}

// Column is a column of a custom table.
type Column struct {
	Name string
	Type string
}

// CustomRow is one matching cell of a custom table.
type CustomRow struct {
	Key   string
	Value string
}
